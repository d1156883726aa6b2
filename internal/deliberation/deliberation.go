// Package deliberation is the Deliberation Engine (C6): four distinct
// prompt shapes over the Provider Runner Adapter, each parsing per-provider
// natural-language responses into a structured result with a confidence
// score and cost/token accounting.
package deliberation

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/reflexor/internal/costtracker"
	"github.com/antigravity-dev/reflexor/internal/pattern"
	"github.com/antigravity-dev/reflexor/internal/providerrunner"
	"github.com/antigravity-dev/reflexor/internal/ratelimit"
)

// providerAPI is the rate-limiter/cost-tracker bucket key every deliberation
// query is recorded under.
const providerAPI = "provider_runner"

// Engine drives all four deliberation operations over a Runner.
type Engine struct {
	Runner          providerrunner.Runner
	AllTimeout      time.Duration
	DialecticalTime time.Duration

	// RateLimiter and Costs are optional: when set, every Query call first
	// waits on RateLimiter and then records its cost against Costs.
	RateLimiter *ratelimit.Limiter
	Costs       *costtracker.Tracker
}

// New returns an Engine with the given timeouts, defaulting to 180s/300s
// when zero.
func New(runner providerrunner.Runner, allTimeout, dialecticalTimeout time.Duration) *Engine {
	if allTimeout <= 0 {
		allTimeout = 180 * time.Second
	}
	if dialecticalTimeout <= 0 {
		dialecticalTimeout = 300 * time.Second
	}
	return &Engine{Runner: runner, AllTimeout: allTimeout, DialecticalTime: dialecticalTimeout}
}

// query wraps Runner.Query with the rate-limiter wait and cost recording
// shared by all four deliberation operations.
func (e *Engine) query(ctx context.Context, prompt string, strategy providerrunner.Strategy, providers []string, timeout time.Duration) providerrunner.Response {
	if e.RateLimiter != nil {
		_ = e.RateLimiter.WaitIfNeeded(providerAPI)
	}
	resp := e.Runner.Query(ctx, prompt, strategy, providers, timeout)
	if e.RateLimiter != nil {
		e.RateLimiter.TrackRequest(providerAPI)
	}
	if e.Costs != nil {
		e.Costs.Record(providerAPI, string(strategy), resp.TotalCost)
	}
	return resp
}

func confidenceForProviderCount(n int) float64 {
	switch {
	case n >= 4:
		return 0.9
	case n == 3:
		return 0.8
	case n == 2:
		return 0.7
	default:
		return 0.6
	}
}

// RootCauseAnalysis is the result of AnalyzeRootCause.
type RootCauseAnalysis struct {
	PerProvider map[string]string
	Confidence  float64
	TotalTokens int
	TotalCost   float64
}

// AnalyzeRootCause asks every provider to analyze a failure pattern.
func (e *Engine) AnalyzeRootCause(ctx context.Context, p pattern.FailurePattern) RootCauseAnalysis {
	prompt := buildRootCausePrompt(p)
	resp := e.query(ctx, prompt, providerrunner.All, nil, e.AllTimeout)
	return RootCauseAnalysis{
		PerProvider: resp.Responses,
		Confidence:  confidenceForProviderCount(len(resp.Responses)),
		TotalTokens: resp.TotalTokens,
		TotalCost:   resp.TotalCost,
	}
}

func buildRootCausePrompt(p pattern.FailurePattern) string {
	var b strings.Builder
	b.WriteString("Analyze this recurring failure pattern.\n")
	b.WriteString("Operation kind: " + p.Kind + "\n")
	b.WriteString("Error kind: " + p.ErrorKind + "\n")
	b.WriteString("Occurrences: " + strconv.Itoa(p.OccurrenceCount) + "\n")
	b.WriteString("\nFailing examples:\n")
	for i, op := range p.FailureExamples {
		if i >= 5 {
			break
		}
		b.WriteString("- " + op.ErrorMessage + "\n")
	}
	b.WriteString("\nSuccessful contrasts of the same kind:\n")
	for i, op := range p.SuccessExamples {
		if i >= 3 {
			break
		}
		b.WriteString("- operation " + op.ID + " succeeded\n")
	}
	b.WriteString("\nCover: (i) root cause, (ii) why successes differed, (iii) common patterns, (iv) fundamental gap, (v) assumptions that enabled the failure.\n")
	return b.String()
}

// LearningLesson is the result of SynthesizeLearning.
type LearningLesson struct {
	Thesis         string
	Antithesis     string
	Synthesis      string
	ActionableItems []string
	TotalTokens    int
	TotalCost      float64
}

var bulletRe = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// SynthesizeLearning turns a root-cause analysis into a dialectical lesson.
func (e *Engine) SynthesizeLearning(ctx context.Context, p pattern.FailurePattern, rc RootCauseAnalysis) LearningLesson {
	prompt := "Synthesize a lesson from this root-cause analysis of pattern " + p.ID + ".\n"
	for provider, text := range rc.PerProvider {
		prompt += "\n[" + provider + "]\n" + text
	}
	prompt += "\n\nRespond with three labeled sections in order: THESIS, ANTITHESIS, SYNTHESIS."

	resp := e.query(ctx, prompt, providerrunner.Dialectical, nil, e.DialecticalTime)
	text := resp.Summary
	if text == "" {
		for _, v := range resp.Responses {
			text = v
			break
		}
	}

	thesis, antithesis, synthesis := splitSections(text)
	return LearningLesson{
		Thesis:          thesis,
		Antithesis:      antithesis,
		Synthesis:       synthesis,
		ActionableItems: extractActionableItems(synthesis),
		TotalTokens:     resp.TotalTokens,
		TotalCost:       resp.TotalCost,
	}
}

func splitSections(text string) (thesis, antithesis, synthesis string) {
	markers := []string{"THESIS", "ANTITHESIS", "SYNTHESIS"}
	positions := make(map[string]int)
	for _, m := range markers {
		idx := strings.Index(text, m)
		if idx >= 0 {
			positions[m] = idx
		}
	}
	if len(positions) < 3 {
		return "", "", text
	}

	extract := func(marker, next string) string {
		start := positions[marker] + len(marker)
		end := len(text)
		if next != "" {
			if idx, ok := positions[next]; ok {
				end = idx
			}
		}
		if start >= end {
			return ""
		}
		return strings.TrimSpace(strings.TrimLeft(text[start:end], ":\n "))
	}

	thesis = extract("THESIS", "ANTITHESIS")
	antithesis = extract("ANTITHESIS", "SYNTHESIS")
	synthesis = extract("SYNTHESIS", "")
	return
}

func extractActionableItems(synthesis string) []string {
	var items []string
	for _, line := range strings.Split(synthesis, "\n") {
		if !bulletRe.MatchString(line) {
			continue
		}
		stripped := strings.TrimSpace(bulletRe.ReplaceAllString(line, ""))
		if len(stripped) < 10 {
			continue
		}
		items = append(items, stripped)
		if len(items) == 10 {
			break
		}
	}
	return items
}

// ImprovementRecommendations is the result of GenerateImprovements.
type ImprovementRecommendations struct {
	PromptImprovements    map[string]string
	ValidationRules       []string
	ComplexityAdjustments map[string]string
	ContextAdditions      []string
	TotalTokens           int
	TotalCost             float64
}

// GenerateImprovements asks every provider for concrete improvements given a
// lesson, and heuristically parses each response into four buckets.
func (e *Engine) GenerateImprovements(ctx context.Context, p pattern.FailurePattern, lesson LearningLesson, currentPrompts map[string]string) ImprovementRecommendations {
	var b strings.Builder
	b.WriteString("Given this lesson, recommend concrete improvements for pattern " + p.ID + ".\n")
	b.WriteString("Lesson synthesis: " + lesson.Synthesis + "\n")
	b.WriteString("Current prompt templates:\n")
	for id, text := range currentPrompts {
		b.WriteString("- " + id + ": " + text + "\n")
	}
	b.WriteString("\nRespond with lines prefixed PROMPT:<id>=<new text>, RULE:<validation rule>, COMPLEXITY:<key>=<value>, or CONTEXT:<addition>.")

	resp := e.query(ctx, b.String(), providerrunner.All, nil, e.AllTimeout)

	out := ImprovementRecommendations{
		PromptImprovements:    make(map[string]string),
		ComplexityAdjustments: make(map[string]string),
		TotalTokens:           resp.TotalTokens,
		TotalCost:             resp.TotalCost,
	}
	seenRules := make(map[string]bool)
	seenContext := make(map[string]bool)

	for _, text := range resp.Responses {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "PROMPT:"):
				kv := strings.SplitN(strings.TrimPrefix(line, "PROMPT:"), "=", 2)
				if len(kv) == 2 {
					out.PromptImprovements[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
				}
			case strings.HasPrefix(line, "RULE:"):
				rule := strings.TrimSpace(strings.TrimPrefix(line, "RULE:"))
				if rule != "" && !seenRules[rule] {
					seenRules[rule] = true
					out.ValidationRules = append(out.ValidationRules, rule)
				}
			case strings.HasPrefix(line, "COMPLEXITY:"):
				kv := strings.SplitN(strings.TrimPrefix(line, "COMPLEXITY:"), "=", 2)
				if len(kv) == 2 {
					out.ComplexityAdjustments[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
				}
			case strings.HasPrefix(line, "CONTEXT:"):
				addition := strings.TrimSpace(strings.TrimPrefix(line, "CONTEXT:"))
				if addition != "" && !seenContext[addition] {
					seenContext[addition] = true
					out.ContextAdditions = append(out.ContextAdditions, addition)
				}
			}
		}
	}
	return out
}

// Recommendation is the verdict of ValidateEffectiveness.
type Recommendation string

const (
	Keep   Recommendation = "keep"
	Refine Recommendation = "refine"
	Revert Recommendation = "revert"
)

// EffectivenessValidation is the result of ValidateEffectiveness.
type EffectivenessValidation struct {
	Recommendation Recommendation
	SideEffects    []string
	TotalTokens    int
	TotalCost      float64
}

// ValidateEffectiveness asks providers to judge whether applied improvements
// helped, given before/after metrics.
func (e *Engine) ValidateEffectiveness(ctx context.Context, patternID string, improvementsApplied []string, metricsBefore, metricsAfter map[string]any) EffectivenessValidation {
	var b strings.Builder
	b.WriteString("Pattern " + patternID + " had these improvements applied:\n")
	for _, imp := range improvementsApplied {
		b.WriteString("- " + imp + "\n")
	}
	b.WriteString("\nMetrics before: ")
	writeKV(&b, metricsBefore)
	b.WriteString("\nMetrics after: ")
	writeKV(&b, metricsAfter)
	b.WriteString("\n\nRecommend KEEP, REFINE, or REVERT, and list any side effects prefixed SIDE_EFFECT:.")

	resp := e.query(ctx, b.String(), providerrunner.Dialectical, nil, e.DialecticalTime)
	text := resp.Summary
	if text == "" {
		for _, v := range resp.Responses {
			text = v
			break
		}
	}

	// Spec order of preference is keep, refine, revert: the first of these
	// keywords, taken in that order, that appears anywhere in the response
	// wins, defaulting to keep.
	rec := Keep
	upper := strings.ToUpper(text)
	for _, candidate := range []struct {
		marker string
		rec    Recommendation
	}{
		{"KEEP", Keep},
		{"REFINE", Refine},
		{"REVERT", Revert},
	} {
		if strings.Contains(upper, candidate.marker) {
			rec = candidate.rec
			break
		}
	}

	var sideEffects []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "SIDE_EFFECT:") {
			sideEffects = append(sideEffects, strings.TrimSpace(strings.TrimPrefix(line, "SIDE_EFFECT:")))
		}
	}

	return EffectivenessValidation{
		Recommendation: rec,
		SideEffects:    sideEffects,
		TotalTokens:    resp.TotalTokens,
		TotalCost:      resp.TotalCost,
	}
}

func writeKV(b *strings.Builder, kv map[string]any) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strconv.Quote(formatValue(kv[k])))
		b.WriteString(" ")
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
