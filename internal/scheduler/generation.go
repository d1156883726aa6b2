// Package scheduler is the Scheduler & Health component (C16): a
// named-frequency cadence for the learning/roadmap cycles, and liveness
// probes of the ledger, the provider runner, the host, and the process
// itself.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/robfig/cron"
)

// Frequency is the closed named-cadence enumeration for generation cycles.
type Frequency string

const (
	Manual  Frequency = "manual"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

var frequencyCron = map[Frequency]string{
	Daily:   "0 0 0 * * *",
	Weekly:  "0 0 0 * * 0",
	Monthly: "0 0 0 1 * *",
}

// GenerationState is the persisted cadence bookkeeping for one named cycle.
type GenerationState struct {
	LastGenerationTime time.Time `json:"last_generation_time"`
	GenerationCount    int       `json:"generation_count"`
	LastFailure        string    `json:"last_failure"`
}

// GenerationScheduler answers "is it time to run again" for a named-cadence
// cycle (C14 or C15), persisting its state as a single JSON document.
type GenerationScheduler struct {
	mu        sync.Mutex
	statePath string
	frequency Frequency
	schedule  cron.Schedule
	clock     clock.Clock
	state     GenerationState
}

// NewGenerationScheduler returns a scheduler for frequency, loading any
// persisted state at statePath. An unparseable or "manual" frequency
// disables automatic scheduling; ShouldGenerate then only ever returns
// true when force is passed.
func NewGenerationScheduler(statePath string, frequency Frequency, cl clock.Clock) (*GenerationScheduler, error) {
	if cl == nil {
		cl = clock.New()
	}
	s := &GenerationScheduler{statePath: statePath, frequency: frequency, clock: cl}
	if spec, ok := frequencyCron[frequency]; ok {
		sched, err := cron.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse cadence %q: %w", frequency, err)
		}
		s.schedule = sched
	}
	s.load()
	return s, nil
}

func (s *GenerationScheduler) load() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return
	}
	var state GenerationState
	if err := json.Unmarshal(data, &state); err != nil {
		return
	}
	s.state = state
}

func (s *GenerationScheduler) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal state: %w", err)
	}
	dir := filepath.Dir(s.statePath)
	tmp, err := os.CreateTemp(dir, "scheduler-*.json.tmp")
	if err != nil {
		return fmt.Errorf("scheduler: create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("scheduler: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("scheduler: close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.statePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("scheduler: rename temp state file: %w", err)
	}
	return nil
}

// ShouldGenerate reports whether a new cycle iteration is due. force always
// returns true (and is the only way "manual" frequency ever fires).
func (s *GenerationScheduler) ShouldGenerate(force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if force {
		return true
	}
	if s.schedule == nil {
		return false
	}
	if s.state.LastGenerationTime.IsZero() {
		return true
	}
	due := s.schedule.Next(s.state.LastGenerationTime)
	return !s.clock.Now().Before(due)
}

// MarkComplete records a successful generation at t and bumps the count.
func (s *GenerationScheduler) MarkComplete(cycleID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastGenerationTime = t
	s.state.GenerationCount++
	s.state.LastFailure = ""
	return s.save()
}

// MarkFailed records a failure reason without advancing the cadence clock.
func (s *GenerationScheduler) MarkFailed(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastFailure = reason
	return s.save()
}

// GetStatus returns a snapshot of the persisted cadence state.
func (s *GenerationScheduler) GetStatus() GenerationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
