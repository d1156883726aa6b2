package risk

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity-dev/reflexor/internal/providerrunner"
)

type stubRunner struct {
	resp providerrunner.Response
}

func (s stubRunner) Query(ctx context.Context, prompt string, strategy providerrunner.Strategy, providers []string, timeout time.Duration) providerrunner.Response {
	return s.resp
}

func (s stubRunner) GetStatistics() providerrunner.Statistics { return providerrunner.Statistics{} }

func TestAssessPicksHighestVote(t *testing.T) {
	runner := stubRunner{resp: providerrunner.Response{
		Success: true,
		Responses: map[string]string{
			"claude": "This looks like a LOW risk change.",
			"gpt":    "I'd call this a HIGH risk change given blast radius.",
			"gemini": "MEDIUM risk, manageable.",
		},
	}}
	a := New(runner, 0)

	got := a.Assess(context.Background(), "DatabaseMigration", "adds a column", "")
	if got.Level != High {
		t.Fatalf("expected consensus HIGH, got %v", got.Level)
	}
	if got.Unanimous {
		t.Fatal("expected non-unanimous consensus")
	}
	if got.ConsensusStrength <= 0 || got.ConsensusStrength >= 1 {
		t.Fatalf("expected partial consensus strength, got %v", got.ConsensusStrength)
	}
}

func TestAssessCriticalKeywordAlwaysWins(t *testing.T) {
	runner := stubRunner{resp: providerrunner.Response{
		Success: true,
		Responses: map[string]string{
			"claude": "HIGH risk but not dangerous",
			"gpt":    "This is a critical, dangerous change to auth.",
		},
	}}
	a := New(runner, 0)

	got := a.Assess(context.Background(), "SecurityChange", "touches auth", "")
	if got.Level != Critical {
		t.Fatalf("expected CRITICAL, got %v", got.Level)
	}
}

func TestAssessFailsClosedOnProviderFailure(t *testing.T) {
	runner := stubRunner{resp: providerrunner.Response{Success: false, Error: "timeout"}}
	a := New(runner, 0)

	got := a.Assess(context.Background(), "FileDeletion", "removes config", "")
	if got.Level != Critical {
		t.Fatalf("expected fail-closed CRITICAL, got %v", got.Level)
	}
	if !got.Unanimous {
		t.Fatal("expected fail-closed assessment to report unanimous")
	}
}

func TestAssessUnanimousWhenAllAgree(t *testing.T) {
	runner := stubRunner{resp: providerrunner.Response{
		Success: true,
		Responses: map[string]string{
			"claude": "LOW risk",
			"gpt":    "LOW risk, safe change",
		},
	}}
	a := New(runner, 0)

	got := a.Assess(context.Background(), "FileModification", "typo fix", "")
	if got.Level != Low {
		t.Fatalf("expected LOW, got %v", got.Level)
	}
	if !got.Unanimous || got.ConsensusStrength != 1.0 {
		t.Fatalf("expected unanimous consensus, got %+v", got)
	}
}
