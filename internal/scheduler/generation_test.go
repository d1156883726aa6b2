package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

func TestManualFrequencyOnlyFiresOnForce(t *testing.T) {
	s, err := NewGenerationScheduler(filepath.Join(t.TempDir(), "state.json"), Manual, nil)
	if err != nil {
		t.Fatalf("NewGenerationScheduler failed: %v", err)
	}
	if s.ShouldGenerate(false) {
		t.Fatalf("expected manual frequency to never auto-fire")
	}
	if !s.ShouldGenerate(true) {
		t.Fatalf("expected force=true to always fire")
	}
}

func TestShouldGenerateFiresWhenNeverRun(t *testing.T) {
	s, err := NewGenerationScheduler(filepath.Join(t.TempDir(), "state.json"), Daily, clock.NewMock())
	if err != nil {
		t.Fatalf("NewGenerationScheduler failed: %v", err)
	}
	if !s.ShouldGenerate(false) {
		t.Fatalf("expected first-ever run to be due immediately")
	}
}

func TestMarkCompleteAdvancesCadence(t *testing.T) {
	mock := clock.NewMock()
	s, err := NewGenerationScheduler(filepath.Join(t.TempDir(), "state.json"), Daily, mock)
	if err != nil {
		t.Fatalf("NewGenerationScheduler failed: %v", err)
	}
	now := mock.Now()
	if err := s.MarkComplete("cycle-1", now); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}
	if s.ShouldGenerate(false) {
		t.Fatalf("expected not due immediately after completing a cycle")
	}

	mock.Add(25 * time.Hour)
	if !s.ShouldGenerate(false) {
		t.Fatalf("expected due after a full day has elapsed")
	}

	status := s.GetStatus()
	if status.GenerationCount != 1 {
		t.Fatalf("expected generation count 1, got %d", status.GenerationCount)
	}
}

func TestMarkFailedPersistsReasonWithoutAdvancingCadence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	mock := clock.NewMock()
	s, err := NewGenerationScheduler(path, Daily, mock)
	if err != nil {
		t.Fatalf("NewGenerationScheduler failed: %v", err)
	}
	if err := s.MarkFailed("provider timeout"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if !s.ShouldGenerate(false) {
		t.Fatalf("expected still due after a failure (cadence unadvanced)")
	}

	reloaded, err := NewGenerationScheduler(path, Daily, mock)
	if err != nil {
		t.Fatalf("NewGenerationScheduler failed: %v", err)
	}
	if reloaded.GetStatus().LastFailure != "provider timeout" {
		t.Fatalf("expected persisted failure reason, got %q", reloaded.GetStatus().LastFailure)
	}
}
