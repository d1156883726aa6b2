// Package risk implements the Risk Assessor (C8): a conservative,
// safety-first consensus over every configured provider's opinion of one
// Operation.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/reflexor/internal/providerrunner"
)

// Level is the closed risk enumeration, ordered least to most severe.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// RollbackComplexity mirrors the provider's reported difficulty of undoing
// the operation.
type RollbackComplexity string

const (
	Easy        RollbackComplexity = "EASY"
	Moderate    RollbackComplexity = "MODERATE"
	Difficult   RollbackComplexity = "DIFFICULT"
	Irreversible RollbackComplexity = "IRREVERSIBLE"
)

// Assessment is the consensus outcome of assessing one operation.
type Assessment struct {
	Level             Level
	ConsensusStrength float64
	Unanimous         bool
	Rationale         string
	ProviderVotes      map[string]Level
}

// Assessor queries every configured provider and folds their answers into
// a conservative consensus: the highest level any provider reported wins.
type Assessor struct {
	Runner  providerrunner.Runner
	Timeout time.Duration
}

// New builds an Assessor. timeout defaults to 180s per spec if zero.
func New(runner providerrunner.Runner, timeout time.Duration) *Assessor {
	if timeout == 0 {
		timeout = 180 * time.Second
	}
	return &Assessor{Runner: runner, Timeout: timeout}
}

// Assess builds a risk-assessment prompt for operationDescription and
// requests every provider's opinion via an ALL-strategy Query. On total
// provider failure it fails closed: CRITICAL, unanimous, with a rationale
// saying the assessment itself failed.
func (a *Assessor) Assess(ctx context.Context, operationKind, operationDescription, freeformContext string) Assessment {
	prompt := buildPrompt(operationKind, operationDescription, freeformContext)

	resp := a.Runner.Query(ctx, prompt, providerrunner.All, nil, a.Timeout)
	if !resp.Success || len(resp.Responses) == 0 {
		return Assessment{
			Level:             Critical,
			ConsensusStrength: 1.0,
			Unanimous:         true,
			Rationale:         fmt.Sprintf("risk assessment failed (%s); failing closed to CRITICAL", resp.Error),
		}
	}

	votes := make(map[string]Level, len(resp.Responses))
	counts := make(map[Level]int)
	for provider, text := range resp.Responses {
		level := extractLevel(text)
		votes[provider] = level
		counts[level]++
	}

	chosen := Low
	for level := range counts {
		if level > chosen {
			chosen = level
		}
	}

	total := len(votes)
	strength := float64(counts[chosen]) / float64(total)

	return Assessment{
		Level:             chosen,
		ConsensusStrength: strength,
		Unanimous:         strength == 1.0,
		Rationale:         fmt.Sprintf("%d/%d providers assessed %s risk", counts[chosen], total, chosen),
		ProviderVotes:      votes,
	}
}

func buildPrompt(kind, description, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation kind: %s\n", kind)
	fmt.Fprintf(&b, "Operation description: %s\n", description)
	if context != "" {
		fmt.Fprintf(&b, "Context: %s\n", context)
	}
	b.WriteString("Answer with: risk level (LOW/MEDIUM/HIGH/CRITICAL), potential impacts, blast radius, hidden dependencies, rollback complexity (EASY/MODERATE/DIFFICULT/IRREVERSIBLE), and reasoning.")
	return b.String()
}

// extractLevel matches CRITICAL before HIGH before MEDIUM before LOW so a
// provider hedging with multiple keywords is always read conservatively.
// "critical" and "dangerous" are treated as automatic CRITICAL votes.
func extractLevel(text string) Level {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "critical") || strings.Contains(lower, "dangerous"):
		return Critical
	case strings.Contains(lower, "high"):
		return High
	case strings.Contains(lower, "medium"):
		return Medium
	default:
		return Low
	}
}
