// Package learning is the Learning Cycle (C14): it drives pattern detection
// through the deliberation engine and, when configured, applies the
// resulting prompt improvements directly to the prompt library.
package learning

import (
	"context"
	"log/slog"

	"github.com/antigravity-dev/reflexor/internal/approval"
	"github.com/antigravity-dev/reflexor/internal/deliberation"
	"github.com/antigravity-dev/reflexor/internal/pattern"
	"github.com/antigravity-dev/reflexor/internal/promptlib"
	"github.com/antigravity-dev/reflexor/internal/safety"
)

// Result summarizes one cycle iteration.
type Result struct {
	PatternsDetected      int
	PatternsAnalyzed      int
	ImprovementsGenerated int
	ImprovementsApplied   int
	TotalCost             float64
	TotalTokens           int
}

// Cycle drives C5 -> C6 -> C13 -> C3 for one learning iteration: every
// applied prompt improvement is checked by the Safety Manager first, and
// routed to the Approval Workflow when the check demands human sign-off.
type Cycle struct {
	Detector  *pattern.Detector
	Engine    *deliberation.Engine
	Prompts   *promptlib.Library
	Safety    *safety.Manager
	Approvals *approval.Workflow
	AutoApply bool
	Logger    *slog.Logger
}

// New returns a Cycle. A nil logger defaults to slog.Default(). safetyMgr
// and approvals may both be nil, in which case improvements are applied
// unchecked (the pre-safety-manager behavior).
func New(detector *pattern.Detector, engine *deliberation.Engine, prompts *promptlib.Library, safetyMgr *safety.Manager, approvals *approval.Workflow, autoApply bool, logger *slog.Logger) *Cycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cycle{Detector: detector, Engine: engine, Prompts: prompts, Safety: safetyMgr, Approvals: approvals, AutoApply: autoApply, Logger: logger}
}

// clearedForUpdate runs promptID's pending change through the Safety
// Manager and, when it demands a human decision, the Approval Workflow,
// before learning is allowed to overwrite a template. A nil Safety manager
// clears everything, matching the pre-C13 behavior.
func (c *Cycle) clearedForUpdate(ctx context.Context, promptID, newTemplate, patternID string) bool {
	if c.Safety == nil {
		return true
	}
	current := c.Prompts.Get(promptID, nil)
	opContext := "learning cycle prompt update for pattern " + patternID
	result := c.Safety.CheckOperationSafety(ctx, []string{"prompt:" + promptID}, nil, current+"\n---\n"+newTemplate, opContext)
	if !result.Allowed {
		c.Logger.Warn("learning: prompt update blocked by safety manager", "prompt_id", promptID, "pattern_id", patternID, "phrasing", result.Phrasing)
		return false
	}
	if !result.RequiresApproval {
		return true
	}
	if c.Approvals == nil {
		c.Logger.Warn("learning: prompt update requires approval but no approval workflow is configured", "prompt_id", promptID, "pattern_id", patternID)
		return false
	}
	decision := c.Approvals.RequestApproval(ctx, "PromptUpdate", promptID+": "+opContext, 0, c.Safety.MultiAgentRiskAssessment)
	if !decision.Approved {
		c.Logger.Info("learning: prompt update denied", "prompt_id", promptID, "pattern_id", patternID, "rationale", decision.Rationale)
		return false
	}
	return true
}

func (c *Cycle) currentPrompts(ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		out[id] = c.Prompts.Get(id, nil)
	}
	return out
}

// Run executes one learning iteration. Failures in any sub-step are logged
// and counted but never abort the cycle.
func (c *Cycle) Run(ctx context.Context, knownPromptIDs []string) Result {
	var result Result

	patterns, err := c.Detector.DetectPatterns(ctx)
	if err != nil {
		c.Logger.Error("learning: detect patterns failed", "error", err)
		return result
	}
	result.PatternsDetected = len(patterns)

	for _, p := range patterns {
		if !c.Detector.ShouldTriggerLearning(p) {
			continue
		}
		result.PatternsAnalyzed++

		rc := c.Engine.AnalyzeRootCause(ctx, p)
		result.TotalCost += rc.TotalCost
		result.TotalTokens += rc.TotalTokens

		lesson := c.Engine.SynthesizeLearning(ctx, p, rc)
		result.TotalCost += lesson.TotalCost
		result.TotalTokens += lesson.TotalTokens

		rec := c.Engine.GenerateImprovements(ctx, p, lesson, c.currentPrompts(knownPromptIDs))
		result.TotalCost += rec.TotalCost
		result.TotalTokens += rec.TotalTokens
		result.ImprovementsGenerated += len(rec.PromptImprovements)

		if !c.AutoApply {
			continue
		}
		for promptID, newTemplate := range rec.PromptImprovements {
			if !c.clearedForUpdate(ctx, promptID, newTemplate, p.ID) {
				continue
			}
			if err := c.Prompts.Update(promptID, newTemplate, "Learning from "+p.ID); err != nil {
				c.Logger.Error("learning: apply improvement failed", "prompt_id", promptID, "pattern_id", p.ID, "error", err)
				continue
			}
			result.ImprovementsApplied++
		}
	}

	return result
}
