package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

// recordingSleeper returns a sleep func that never actually blocks; it just
// appends the requested duration so tests can assert on it.
func recordingSleeper() (func(time.Duration), *[]time.Duration) {
	var slept []time.Duration
	return func(d time.Duration) {
		slept = append(slept, d)
	}, &slept
}

func TestUpdateLimitAndCheckLimit(t *testing.T) {
	mockClock := clock.NewMock()
	l := New(filepath.Join(t.TempDir(), "state.json"), mockClock, nil)

	l.UpdateLimit("claude", 100, 100, mockClock.Now().Add(time.Hour))
	if err := l.CheckLimit("claude"); err != nil {
		t.Fatalf("expected no error under limit, got %v", err)
	}

	l.UpdateLimit("claude", 100, 0, mockClock.Now().Add(time.Hour))
	err := l.CheckLimit("claude")
	if err == nil {
		t.Fatal("expected ErrRateLimitExceeded at 100% used")
	}
	if _, ok := err.(*ErrRateLimitExceeded); !ok {
		t.Fatalf("expected *ErrRateLimitExceeded, got %T", err)
	}
}

func TestWaitIfNeededSleepsAtWarningThreshold(t *testing.T) {
	mockClock := clock.NewMock()
	sleep, slept := recordingSleeper()
	l := newLimiter(filepath.Join(t.TempDir(), "state.json"), mockClock, sleep, nil)
	l.UpdateLimit("claude", 100, 15, mockClock.Now().Add(time.Hour)) // 85% used

	if err := l.WaitIfNeeded("claude"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != warningDelay {
		t.Fatalf("expected a single %v sleep, got %v", warningDelay, *slept)
	}
}

func TestWaitIfNeededSleepsAtCriticalThreshold(t *testing.T) {
	mockClock := clock.NewMock()
	sleep, slept := recordingSleeper()
	l := newLimiter(filepath.Join(t.TempDir(), "state.json"), mockClock, sleep, nil)
	l.UpdateLimit("claude", 100, 3, mockClock.Now().Add(time.Hour)) // 97% used

	if err := l.WaitIfNeeded("claude"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != criticalDelay {
		t.Fatalf("expected a single %v sleep, got %v", criticalDelay, *slept)
	}
}

func TestImplementBackoffDoublesAndCaps(t *testing.T) {
	sleep, slept := recordingSleeper()
	l := newLimiter(filepath.Join(t.TempDir(), "state.json"), clock.NewMock(), sleep, nil)

	d1 := l.ImplementBackoff("claude")
	if d1 != backoffInitial {
		t.Fatalf("expected initial backoff %v, got %v", backoffInitial, d1)
	}
	d2 := l.ImplementBackoff("claude")
	if d2 != 2*backoffInitial {
		t.Fatalf("expected doubled backoff %v, got %v", 2*backoffInitial, d2)
	}

	for i := 0; i < 10; i++ {
		l.ImplementBackoff("claude")
	}
	dCapped := l.ImplementBackoff("claude")
	if dCapped != backoffCap {
		t.Fatalf("expected backoff capped at %v, got %v", backoffCap, dCapped)
	}
	if len(*slept) != 13 {
		t.Fatalf("expected one recorded sleep per ImplementBackoff call, got %d", len(*slept))
	}
}

func TestResetBackoffClearsDelay(t *testing.T) {
	sleep, _ := recordingSleeper()
	l := newLimiter(filepath.Join(t.TempDir(), "state.json"), clock.NewMock(), sleep, nil)

	l.ImplementBackoff("claude")
	l.ImplementBackoff("claude")
	l.ResetBackoff("claude")

	d := l.ImplementBackoff("claude")
	if d != backoffInitial {
		t.Fatalf("expected backoff to restart at %v after reset, got %v", backoffInitial, d)
	}
}

func TestStatePersistsAcrossLimiters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	mockClock := clock.NewMock()

	first := New(path, mockClock, nil)
	first.UpdateLimit("claude", 100, 50, mockClock.Now().Add(time.Hour))

	second := New(path, mockClock, nil)
	info, ok := second.GetStatus("claude")
	if !ok {
		t.Fatal("expected persisted state to be loaded")
	}
	if info.Used != 50 {
		t.Fatalf("expected used=50 from persisted state, got %d", info.Used)
	}
}

func TestLoadToleratesCorruptStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	l := New(path, clock.NewMock(), nil)
	if _, ok := l.GetStatus("claude"); ok {
		t.Fatal("expected empty state after corrupt file")
	}
}
