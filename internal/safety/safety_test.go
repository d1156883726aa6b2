package safety

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity-dev/reflexor/internal/guard"
	"github.com/antigravity-dev/reflexor/internal/providerrunner"
	"github.com/antigravity-dev/reflexor/internal/risk"
)

func defaultPatterns() guard.Patterns {
	return guard.Patterns{
		Protected:     []string{".env"},
		Security:      []string{"*auth*"},
		Migration:     []string{"*migrations/*"},
		Configuration: []string{"*.toml"},
	}
}

type stubRunner struct {
	response providerrunner.Response
}

func (s *stubRunner) Query(ctx context.Context, prompt string, strategy providerrunner.Strategy, providers []string, timeout time.Duration) providerrunner.Response {
	return s.response
}
func (s *stubRunner) GetStatistics() providerrunner.Statistics { return providerrunner.Statistics{} }

func TestCheckOperationSafetyNoOpsAllowsLowRisk(t *testing.T) {
	g := guard.New(defaultPatterns(), 8.0)
	m := New(g, nil, nil, false, 0)
	result := m.CheckOperationSafety(context.Background(), []string{"readme.md"}, nil, "", "")
	if !result.Allowed || result.RequiresApproval || result.Risk != risk.Low {
		t.Fatalf("expected trivially-allowed result, got %+v", result)
	}
}

func TestCheckOperationSafetyBlocksCriticalRisk(t *testing.T) {
	g := guard.New(defaultPatterns(), 8.0)
	runner := &stubRunner{response: providerrunner.Response{Success: true, Responses: map[string]string{"claude": "CRITICAL risk, dangerous operation"}}}
	assessor := risk.New(runner, 0)
	m := New(g, assessor, runner, true, 0)

	result := m.CheckOperationSafety(context.Background(), []string{".env"}, nil, "", "")
	if result.Allowed || result.RequiresApproval || result.Risk != risk.Critical {
		t.Fatalf("expected blocked critical result, got %+v", result)
	}
	if result.Phrasing != "operation blocked for safety" {
		t.Fatalf("expected blocked phrasing, got %q", result.Phrasing)
	}
}

func TestCheckOperationSafetyAllowsWithReviewForMedium(t *testing.T) {
	g := guard.New(defaultPatterns(), 8.0)
	runner := &stubRunner{response: providerrunner.Response{Success: true, Responses: map[string]string{"claude": "MEDIUM risk"}}}
	assessor := risk.New(runner, 0)
	m := New(g, assessor, runner, true, 0)

	result := m.CheckOperationSafety(context.Background(), []string{"internal/auth/login.go"}, nil, "", "")
	if !result.Allowed || !result.RequiresApproval || result.Risk != risk.Medium {
		t.Fatalf("expected allowed-with-review medium result, got %+v", result)
	}
}

func TestCheckOperationSafetyElevatesToCriticalOnBreakingChange(t *testing.T) {
	g := guard.New(defaultPatterns(), 8.0)
	runner := &stubRunner{response: providerrunner.Response{Success: true, Summary: "CRITICAL breaking change", Responses: map[string]string{"claude": "LOW risk"}}}
	assessor := risk.New(runner, 0)
	m := New(g, assessor, runner, true, 0)

	diff := "-func Old(x int) error {\n+func New(x int, y int) (bool, error) {\n"
	result := m.CheckOperationSafety(context.Background(), []string{"api.go"}, nil, diff, "")
	if result.Risk != risk.Critical {
		t.Fatalf("expected breaking-change escalation to CRITICAL, got %+v", result)
	}
}
