package learning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/reflexor/internal/deliberation"
	"github.com/antigravity-dev/reflexor/internal/errs"
	"github.com/antigravity-dev/reflexor/internal/ledger"
	"github.com/antigravity-dev/reflexor/internal/pattern"
	"github.com/antigravity-dev/reflexor/internal/promptlib"
	"github.com/antigravity-dev/reflexor/internal/providerrunner"
)

type stubRunner struct{}

func (stubRunner) Query(ctx context.Context, prompt string, strategy providerrunner.Strategy, providers []string, timeout time.Duration) providerrunner.Response {
	switch strategy {
	case providerrunner.Dialectical:
		return providerrunner.Response{
			Success: true,
			Summary: "THESIS: retries too eager\nANTITHESIS: needed for flakiness\nSYNTHESIS:\n- Add exponential backoff before retrying\n",
		}
	default:
		return providerrunner.Response{
			Success:   true,
			Responses: map[string]string{"claude": "PROMPT:issue-triage=Be careful.\nRULE:require tests"},
		}
	}
}

func (stubRunner) GetStatistics() providerrunner.Statistics { return providerrunner.Statistics{} }

func tempLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunAppliesImprovementsWhenAutoApply(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id, err := l.StartOperation(ctx, "ProcessIssue", "", nil)
		if err != nil {
			t.Fatalf("StartOperation failed: %v", err)
		}
		if err := l.CompleteOperation(ctx, id, false, "boom", errs.ProviderFault, 0); err != nil {
			t.Fatalf("CompleteOperation failed: %v", err)
		}
	}

	detector := pattern.New(l, 3, 30)
	engine := deliberation.New(stubRunner{}, 0, 0)
	prompts, err := promptlib.New(filepath.Join(t.TempDir(), "prompts.json"), map[string]string{"issue-triage": "v1"})
	if err != nil {
		t.Fatalf("promptlib.New failed: %v", err)
	}

	cycle := New(detector, engine, prompts, nil, nil, true, nil)
	result := cycle.Run(ctx, []string{"issue-triage"})

	if result.PatternsDetected != 1 || result.PatternsAnalyzed != 1 {
		t.Fatalf("expected 1 pattern detected and analyzed, got %+v", result)
	}
	if result.ImprovementsApplied != 1 {
		t.Fatalf("expected 1 improvement applied, got %+v", result)
	}
	if prompts.Version("issue-triage") != 2 {
		t.Fatalf("expected prompt version bumped to 2, got %d", prompts.Version("issue-triage"))
	}
}

func TestRunDoesNotApplyWhenAutoApplyDisabled(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id, err := l.StartOperation(ctx, "ProcessIssue", "", nil)
		if err != nil {
			t.Fatalf("StartOperation failed: %v", err)
		}
		if err := l.CompleteOperation(ctx, id, false, "boom", errs.ProviderFault, 0); err != nil {
			t.Fatalf("CompleteOperation failed: %v", err)
		}
	}

	detector := pattern.New(l, 3, 30)
	engine := deliberation.New(stubRunner{}, 0, 0)
	prompts, err := promptlib.New(filepath.Join(t.TempDir(), "prompts.json"), map[string]string{"issue-triage": "v1"})
	if err != nil {
		t.Fatalf("promptlib.New failed: %v", err)
	}

	cycle := New(detector, engine, prompts, nil, nil, false, nil)
	result := cycle.Run(ctx, []string{"issue-triage"})

	if result.ImprovementsApplied != 0 {
		t.Fatalf("expected no improvements applied, got %+v", result)
	}
	if prompts.Version("issue-triage") != 1 {
		t.Fatalf("expected prompt version untouched at the default version 1, got %d", prompts.Version("issue-triage"))
	}
}

func TestRunReturnsEmptyResultWhenNoPatterns(t *testing.T) {
	l := tempLedger(t)
	detector := pattern.New(l, 3, 30)
	engine := deliberation.New(stubRunner{}, 0, 0)
	prompts, err := promptlib.New(filepath.Join(t.TempDir(), "prompts.json"), nil)
	if err != nil {
		t.Fatalf("promptlib.New failed: %v", err)
	}

	cycle := New(detector, engine, prompts, nil, nil, true, nil)
	result := cycle.Run(context.Background(), nil)
	if result.PatternsDetected != 0 || result.PatternsAnalyzed != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}
