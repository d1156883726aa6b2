// Package ratelimit implements the Rate Limiter (C9): per-API threshold
// tracking with throttle sleeps, exponential backoff, and disk-persisted
// state that tolerates a missing or corrupt file by starting empty.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

const (
	warningThreshold  = 0.8
	criticalThreshold = 0.95
	blockThreshold    = 1.0

	warningDelay  = 1 * time.Second
	criticalDelay = 5 * time.Second

	backoffMultiplier = 2.0
	backoffCap        = 60 * time.Second
	backoffInitial    = 1 * time.Second
)

// ErrRateLimitExceeded is returned by CheckLimit when usage is at or above
// the configured limit.
type ErrRateLimitExceeded struct {
	API             string
	SecondsUntilReset float64
}

func (e *ErrRateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets in %.0fs", e.API, e.SecondsUntilReset)
}

// Info is the tracked state for one API.
type Info struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Used      int       `json:"used"`
}

// PercentageUsed returns Used/Limit, or 0 if Limit is unset.
func (i Info) PercentageUsed() float64 {
	if i.Limit == 0 {
		return 0
	}
	return float64(i.Used) / float64(i.Limit)
}

// SecondsUntilReset returns how long until ResetTime, floored at 0.
func (i Info) SecondsUntilReset(now time.Time) float64 {
	d := i.ResetTime.Sub(now).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

type persistedState struct {
	RateLimits    map[string]Info          `json:"rate_limits"`
	BackoffDelays map[string]float64       `json:"backoff_delays"`
}

// Limiter tracks rate-limit state per API and persists it to statePath on
// every update.
type Limiter struct {
	mu        sync.Mutex
	state     map[string]Info
	backoff   map[string]time.Duration
	statePath string
	clock     clock.Clock
	sleep     func(time.Duration)
	logger    *slog.Logger
}

// New loads persisted state from statePath (tolerating a missing or
// corrupt file by starting empty) and returns a ready Limiter. cl supplies
// Now() for reset-time math; sleep is called for every throttle/backoff
// delay and defaults to time.Sleep (tests inject a recording stub instead
// of depending on mock-clock timer semantics).
func New(statePath string, cl clock.Clock, logger *slog.Logger) *Limiter {
	return newLimiter(statePath, cl, nil, logger)
}

func newLimiter(statePath string, cl clock.Clock, sleep func(time.Duration), logger *slog.Logger) *Limiter {
	if cl == nil {
		cl = clock.New()
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		state:     make(map[string]Info),
		backoff:   make(map[string]time.Duration),
		statePath: statePath,
		clock:     cl,
		sleep:     sleep,
		logger:    logger,
	}
	l.load()
	return l
}

func (l *Limiter) load() {
	if l.statePath == "" {
		return
	}
	data, err := os.ReadFile(l.statePath)
	if err != nil {
		return
	}
	var saved persistedState
	if err := json.Unmarshal(data, &saved); err != nil {
		l.logger.Warn("ratelimit: discarding corrupt state file", "path", l.statePath, "error", err)
		return
	}
	if saved.RateLimits != nil {
		l.state = saved.RateLimits
	}
	for api, seconds := range saved.BackoffDelays {
		l.backoff[api] = time.Duration(seconds * float64(time.Second))
	}
}

func (l *Limiter) save() {
	if l.statePath == "" {
		return
	}
	delays := make(map[string]float64, len(l.backoff))
	for api, d := range l.backoff {
		delays[api] = d.Seconds()
	}
	data, err := json.MarshalIndent(persistedState{RateLimits: l.state, BackoffDelays: delays}, "", "  ")
	if err != nil {
		l.logger.Error("ratelimit: marshal state", "error", err)
		return
	}
	if err := os.WriteFile(l.statePath, data, 0o644); err != nil {
		l.logger.Error("ratelimit: write state", "path", l.statePath, "error", err)
	}
}

// UpdateLimit records a provider's reported limit/remaining/reset for api.
func (l *Limiter) UpdateLimit(api string, limit, remaining int, resetTime time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state[api] = Info{Limit: limit, Remaining: remaining, ResetTime: resetTime, Used: limit - remaining}
	l.save()
	l.logger.Info("ratelimit: updated", "api", api, "used", l.state[api].Used, "limit", limit)
}

// CheckLimit returns ErrRateLimitExceeded if api is at or above 100% used.
func (l *Limiter) CheckLimit(api string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.state[api]
	if !ok {
		return nil
	}
	if info.PercentageUsed() >= blockThreshold {
		return &ErrRateLimitExceeded{API: api, SecondsUntilReset: info.SecondsUntilReset(l.clock.Now())}
	}
	return nil
}

// WaitIfNeeded sleeps per the warning/critical thresholds before letting a
// caller proceed, and returns ErrRateLimitExceeded if already blocked.
func (l *Limiter) WaitIfNeeded(api string) error {
	l.mu.Lock()
	info, ok := l.state[api]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	pct := info.PercentageUsed()
	switch {
	case pct >= blockThreshold:
		return &ErrRateLimitExceeded{API: api, SecondsUntilReset: info.SecondsUntilReset(l.clock.Now())}
	case pct >= criticalThreshold:
		l.logger.Warn("ratelimit: critical threshold, throttling", "api", api, "percent_used", pct)
		l.sleep(criticalDelay)
	case pct >= warningThreshold:
		l.logger.Info("ratelimit: warning threshold, throttling", "api", api, "percent_used", pct)
		l.sleep(warningDelay)
	}
	return nil
}

// TrackRequest increments used-count for api by one, as a fallback when no
// provider-reported limit header is available.
func (l *Limiter) TrackRequest(api string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := l.state[api]
	info.Used++
	if info.Limit > 0 {
		info.Remaining = info.Limit - info.Used
	}
	l.state[api] = info
	l.save()
}

// GetStatus returns the tracked Info for api.
func (l *Limiter) GetStatus(api string) (Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.state[api]
	return info, ok
}

// WaitForReset blocks until api's reset time has passed.
func (l *Limiter) WaitForReset(api string) {
	l.mu.Lock()
	info, ok := l.state[api]
	l.mu.Unlock()
	if !ok {
		return
	}
	if d := info.ResetTime.Sub(l.clock.Now()); d > 0 {
		l.sleep(d)
	}
}

// ImplementBackoff doubles api's backoff delay (starting at 1s, capped at
// 60s) and sleeps for it, returning the delay applied.
func (l *Limiter) ImplementBackoff(api string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, ok := l.backoff[api]
	if !ok || current == 0 {
		current = backoffInitial
	} else {
		current = time.Duration(float64(current) * backoffMultiplier)
		if current > backoffCap {
			current = backoffCap
		}
	}
	l.backoff[api] = current
	l.save()
	l.sleep(current)
	return current
}

// ResetBackoff clears api's backoff delay after a successful call.
func (l *Limiter) ResetBackoff(api string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.backoff, api)
	l.save()
}
