// Package safety is the Safety Manager (C13): it orchestrates the Operation
// Guard, Risk Assessor, and a breaking-change dialectical pass into a
// single allow/deny decision, applying a conservative "highest risk wins"
// matrix.
package safety

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/reflexor/internal/costtracker"
	"github.com/antigravity-dev/reflexor/internal/guard"
	"github.com/antigravity-dev/reflexor/internal/providerrunner"
	"github.com/antigravity-dev/reflexor/internal/ratelimit"
	"github.com/antigravity-dev/reflexor/internal/risk"
)

// breakingChangeAPI is the rate-limiter/cost-tracker bucket key the
// breaking-change dialectical pass is recorded under.
const breakingChangeAPI = "provider_runner"

// BreakingSeverity is the outcome of the dialectical breaking-change pass.
type BreakingSeverity int

const (
	None BreakingSeverity = iota
	Minor
	Major
	CriticalSeverity
)

// Result is the single output of CheckOperationSafety.
type Result struct {
	Allowed          bool
	RequiresApproval bool
	Risk             risk.Level
	Phrasing         string
	Operations       []guard.Operation
	Assessments      map[guard.Kind]risk.Assessment
	BreakingSeverity  BreakingSeverity
}

// Manager wires C7/C8/C4 together, and optionally C9/C10 around the
// provider calls the breaking-change pass makes.
type Manager struct {
	Guard                    *guard.Guard
	RiskAssessor             *risk.Assessor
	Runner                   providerrunner.Runner
	MultiAgentRiskAssessment bool
	BreakingTimeout          time.Duration

	// RateLimiter and Costs are optional: when set, the breaking-change
	// dialectical pass waits on RateLimiter and records its cost against
	// Costs, the same as every other provider call in the system.
	RateLimiter *ratelimit.Limiter
	Costs       *costtracker.Tracker
}

// New returns a Manager. breakingTimeout defaults to 300s when zero.
func New(g *guard.Guard, assessor *risk.Assessor, runner providerrunner.Runner, multiAgent bool, breakingTimeout time.Duration) *Manager {
	if breakingTimeout <= 0 {
		breakingTimeout = 300 * time.Second
	}
	return &Manager{Guard: g, RiskAssessor: assessor, Runner: runner, MultiAgentRiskAssessment: multiAgent, BreakingTimeout: breakingTimeout}
}

// CheckOperationSafety classifies the change, assesses risk per detected
// operation (each provider fan-out bounded under one errgroup), runs the
// breaking-change dialectical pass, and applies the decision matrix.
func (m *Manager) CheckOperationSafety(ctx context.Context, filesChanged, filesDeleted []string, diff, opContext string) Result {
	ops := m.Guard.Classify(filesChanged, filesDeleted, diff, opContext)
	if len(ops) == 0 {
		return Result{Allowed: true, RequiresApproval: false, Risk: risk.Low, Phrasing: "allowed"}
	}

	assessments := make(map[guard.Kind]risk.Assessment, len(ops))
	var breaking BreakingSeverity

	if m.MultiAgentRiskAssessment && m.RiskAssessor != nil {
		g, gctx := errgroup.WithContext(ctx)
		type pair struct {
			kind       guard.Kind
			assessment risk.Assessment
		}
		results := make(chan pair, len(ops))
		for _, op := range ops {
			op := op
			g.Go(func() error {
				a := m.RiskAssessor.Assess(gctx, string(op.Kind), op.Detail, opContext)
				results <- pair{kind: op.Kind, assessment: a}
				return nil
			})
		}
		g.Go(func() error {
			breaking = m.assessBreakingChange(gctx, diff)
			return nil
		})
		g.Wait()
		close(results)
		for p := range results {
			assessments[p.kind] = p.assessment
		}
	} else {
		breaking = m.assessBreakingChange(ctx, diff)
	}

	overall := risk.Low
	for _, a := range assessments {
		if a.Level > overall {
			overall = a.Level
		}
	}
	if breaking == CriticalSeverity {
		overall = risk.Critical
	}

	result := Result{
		Operations:      ops,
		Assessments:     assessments,
		BreakingSeverity: breaking,
		Risk:            overall,
	}

	switch overall {
	case risk.Critical:
		result.Allowed = false
		result.RequiresApproval = false
		result.Phrasing = "operation blocked for safety"
	case risk.High:
		result.Allowed = false
		result.RequiresApproval = true
		result.Phrasing = "requires human approval"
	case risk.Medium:
		result.Allowed = true
		result.RequiresApproval = true
		result.Phrasing = "allowed with review"
	default:
		result.Allowed = true
		result.RequiresApproval = false
		result.Phrasing = "allowed"
	}
	return result
}

func (m *Manager) assessBreakingChange(ctx context.Context, diff string) BreakingSeverity {
	if m.Runner == nil || diff == "" {
		return None
	}
	prompt := "Assess the overall breaking-change severity of this diff as NONE, MINOR, MAJOR, or CRITICAL:\n\n" + diff
	if m.RateLimiter != nil {
		_ = m.RateLimiter.WaitIfNeeded(breakingChangeAPI)
	}
	resp := m.Runner.Query(ctx, prompt, providerrunner.Dialectical, nil, m.BreakingTimeout)
	if m.RateLimiter != nil {
		m.RateLimiter.TrackRequest(breakingChangeAPI)
	}
	if m.Costs != nil {
		m.Costs.Record(breakingChangeAPI, string(providerrunner.Dialectical), resp.TotalCost)
	}
	text := resp.Summary
	if text == "" {
		for _, v := range resp.Responses {
			text = v
			break
		}
	}
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "CRITICAL"):
		return CriticalSeverity
	case strings.Contains(upper, "MAJOR"):
		return Major
	case strings.Contains(upper, "MINOR"):
		return Minor
	default:
		return None
	}
}
