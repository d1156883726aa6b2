package roadmap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/reflexor/internal/approval"
	"github.com/antigravity-dev/reflexor/internal/costtracker"
	"github.com/antigravity-dev/reflexor/internal/host"
	"github.com/antigravity-dev/reflexor/internal/ledger"
	"github.com/antigravity-dev/reflexor/internal/providerrunner"
	"github.com/antigravity-dev/reflexor/internal/ratelimit"
	"github.com/antigravity-dev/reflexor/internal/rollback"
	"github.com/antigravity-dev/reflexor/internal/safety"
)

// roadmapAPI is the rate-limiter/cost-tracker bucket key every roadmap
// provider query is recorded under.
const roadmapAPI = "provider_runner"

// Consensus is the folded outcome of the multi-agent codebase analysis
// (spec §4.15 step 2).
type Consensus struct {
	ArchitectureRating float64
	QualityRating      float64
	TopPriorities      []string
	Patterns           []string
}

// Result is the outcome of one roadmap cycle iteration.
type Result struct {
	ProposalsGenerated int
	ApprovedCount      int
	IssuesCreated       int
	CreatedIssues      []host.Issue
	RefinedPhases      []Phase
}

// Cycle drives codebase analysis, multi-agent ideation and validation,
// dialectical validation, the Safety Manager, and issue creation
// (C15: CodebaseMetrics -> C6 -> dialectical validation -> C13 -> Host.CreateIssue).
type Cycle struct {
	Runner          providerrunner.Runner
	Host            host.Host
	Ledger          *ledger.Ledger
	RepoPath        string
	Providers       []string
	AutoLabel       bool
	AddBotApproved  bool
	IdeationTimeout time.Duration
	ValidationTimeout time.Duration
	Logger          *slog.Logger

	// Safety, Approvals, and Rollback are optional: when Safety is set,
	// every proposal approved by validation is checked before it is filed
	// as an issue, escalating to Approvals when required, and a rollback
	// point is recorded first so a bad issue-filing pass can be undone.
	Safety      *safety.Manager
	Approvals   *approval.Workflow
	Rollback    *rollback.Manager

	// RateLimiter and Costs are optional: when set, every provider query
	// this cycle makes waits on RateLimiter and records its cost against
	// Costs, the same as the deliberation engine and safety manager.
	RateLimiter *ratelimit.Limiter
	Costs       *costtracker.Tracker
}

// New returns a Cycle. Timeouts default to 180s (ideation) / 300s (validation)
// when zero, matching the provider runner's own default phase budgets.
func New(runner providerrunner.Runner, h host.Host, l *ledger.Ledger, repoPath string, providers []string, autoLabel, addBotApproved bool, ideationTimeout, validationTimeout time.Duration, logger *slog.Logger) *Cycle {
	if ideationTimeout <= 0 {
		ideationTimeout = 180 * time.Second
	}
	if validationTimeout <= 0 {
		validationTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cycle{
		Runner: runner, Host: h, Ledger: l, RepoPath: repoPath, Providers: providers,
		AutoLabel: autoLabel, AddBotApproved: addBotApproved,
		IdeationTimeout: ideationTimeout, ValidationTimeout: validationTimeout, Logger: logger,
	}
}

// query wraps Runner.Query with the rate-limiter wait and cost recording
// shared by every provider call this cycle makes.
func (c *Cycle) query(ctx context.Context, prompt string, strategy providerrunner.Strategy, providers []string, timeout time.Duration) providerrunner.Response {
	if c.RateLimiter != nil {
		_ = c.RateLimiter.WaitIfNeeded(roadmapAPI)
	}
	resp := c.Runner.Query(ctx, prompt, strategy, providers, timeout)
	if c.RateLimiter != nil {
		c.RateLimiter.TrackRequest(roadmapAPI)
	}
	if c.Costs != nil {
		c.Costs.Record(roadmapAPI, string(strategy), resp.TotalCost)
	}
	return resp
}

// Run executes one full roadmap iteration: analyze, ideate, validate, file
// issues for approved proposals, and record a roadmap_tracking fact.
func (c *Cycle) Run(ctx context.Context) Result {
	var result Result

	analysis, err := AnalyzeCodebase(c.RepoPath)
	if err != nil {
		c.Logger.Error("roadmap: codebase analysis failed", "error", err)
		return result
	}

	consensus := c.analyzeConsensus(ctx, analysis)

	proposals, critiques, phases := c.ideate(ctx, analysis, consensus)
	result.ProposalsGenerated = len(proposals)
	if len(proposals) == 0 {
		return result
	}

	validations := c.validate(ctx, proposals, critiques, phases)

	byID := make(map[string]Proposal, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = p
	}
	validByID := make(map[string]Validation, len(validations))
	for _, v := range validations {
		validByID[v.ProposalID] = v
	}

	var approvedIDs []string
	for _, v := range validations {
		if v.Decision == Approved || v.Decision == ApprovedWithChanges {
			approvedIDs = append(approvedIDs, v.ProposalID)
		}
	}
	result.ApprovedCount = len(approvedIDs)
	result.RefinedPhases = refinePhases(phases, approvedIDs)

	for _, id := range approvedIDs {
		p, ok := byID[id]
		if !ok {
			continue
		}
		v := validByID[id]
		if !c.clearedForFiling(ctx, p) {
			continue
		}
		issue, err := c.fileIssue(p, v)
		if err != nil {
			c.Logger.Error("roadmap: issue creation failed", "proposal_id", id, "error", err)
			continue
		}
		result.CreatedIssues = append(result.CreatedIssues, *issue)
		result.IssuesCreated++
	}

	c.recordFact(ctx, result)
	return result
}

// refinePhases intersects each phase's proposal ids with approvedIDs
// (spec §4.15 step 5), returning the refined set.
func refinePhases(phases []Phase, approvedIDs []string) []Phase {
	approved := make(map[string]bool, len(approvedIDs))
	for _, id := range approvedIDs {
		approved[id] = true
	}
	refined := make([]Phase, 0, len(phases))
	for _, ph := range phases {
		var kept []string
		for _, id := range ph.ProposalIDs {
			if approved[id] {
				kept = append(kept, id)
			}
		}
		refined = append(refined, Phase{Name: ph.Name, ProposalIDs: kept})
	}
	return refined
}

func (c *Cycle) analyzeConsensus(ctx context.Context, analysis CodebaseAnalysis) Consensus {
	prompt := buildConsensusPrompt(analysis)
	resp := c.query(ctx, prompt, providerrunner.All, c.Providers, c.IdeationTimeout)
	if !resp.Success {
		return Consensus{}
	}
	var architecture, quality []float64
	var priorities, patterns []string
	for _, text := range resp.Responses {
		fields := extractFields(text)
		architecture = append(architecture, parseFloat(fields["ARCHITECTURE_RATING"], 0.5))
		quality = append(quality, parseFloat(fields["QUALITY_RATING"], 0.5))
		priorities = append(priorities, splitList(fields["TOP_PRIORITIES"])...)
		patterns = append(patterns, splitList(fields["PATTERNS"])...)
	}
	return Consensus{
		ArchitectureRating: mean(architecture),
		QualityRating:      mean(quality),
		TopPriorities:      dedupe(priorities),
		Patterns:           dedupe(patterns),
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func buildConsensusPrompt(a CodebaseAnalysis) string {
	var b strings.Builder
	b.WriteString("Analyze this codebase and report ARCHITECTURE_RATING (0-1), QUALITY_RATING (0-1), ")
	b.WriteString("TOP_PRIORITIES (comma separated), and PATTERNS (comma separated).\n\n")
	fmt.Fprintf(&b, "Total files: %d\nTotal lines: %d\nLanguages: %v\nHas tests: %v\nHas documentation: %v\nFrameworks: %v\n",
		a.Metrics.TotalFiles, a.Metrics.TotalLines, a.Metrics.Languages, a.Metrics.HasTests, a.Metrics.HasDocumentation, a.Metrics.Frameworks)
	return b.String()
}

// ideate runs the three ideation phases: parallel proposal generation,
// cross-critique, and dialectical synthesis into named phases.
func (c *Cycle) ideate(ctx context.Context, analysis CodebaseAnalysis, consensus Consensus) ([]Proposal, []Critique, []Phase) {
	parallelPrompt := buildIdeationPrompt(analysis, consensus)
	resp := c.query(ctx, parallelPrompt, providerrunner.All, c.Providers, c.IdeationTimeout)
	if !resp.Success {
		return nil, nil, nil
	}
	var proposals []Proposal
	for provider, text := range resp.Responses {
		proposals = append(proposals, parseProposals(provider, text)...)
	}
	if len(proposals) == 0 {
		return nil, nil, nil
	}

	critiquePrompt := buildCritiquePrompt(proposals)
	critiqueResp := c.query(ctx, critiquePrompt, providerrunner.All, c.Providers, c.IdeationTimeout)
	var critiques []Critique
	if critiqueResp.Success {
		for _, text := range critiqueResp.Responses {
			critiques = append(critiques, parseCritiques(text)...)
		}
	}

	synthesisPrompt := buildSynthesisPrompt(proposals, critiques)
	synthesisResp := c.query(ctx, synthesisPrompt, providerrunner.Dialectical, c.Providers, c.IdeationTimeout)
	var phases []Phase
	if synthesisResp.Success {
		phases = parsePhases(synthesisResp.Summary)
	}

	return proposals, critiques, phases
}

func buildIdeationPrompt(a CodebaseAnalysis, consensus Consensus) string {
	var b strings.Builder
	b.WriteString("Propose 5-8 features for this codebase. For each, emit a block separated by \"---\" with fields:\n")
	b.WriteString("TITLE, DESCRIPTION, VALUE, COMPLEXITY (1-10), PRIORITY (CRITICAL|HIGH|MEDIUM|LOW), ")
	b.WriteString("DEPENDENCIES (comma separated), METRICS (comma separated), EFFORT, CATEGORY.\n\n")
	fmt.Fprintf(&b, "Architecture rating: %.2f\nQuality rating: %.2f\nTop priorities: %v\n",
		consensus.ArchitectureRating, consensus.QualityRating, consensus.TopPriorities)
	fmt.Fprintf(&b, "Languages: %v\nHas tests: %v\n", a.Metrics.Languages, a.Metrics.HasTests)
	return b.String()
}

func buildCritiquePrompt(proposals []Proposal) string {
	var b strings.Builder
	b.WriteString("Critique each proposal below. For each, emit a block separated by \"---\" with fields:\n")
	b.WriteString("PROPOSAL_ID, STRENGTHS, WEAKNESSES, FEASIBILITY (0-1), VALUE (0-1), OVERLAPS, CONFLICTS, SUGGESTIONS.\n\n")
	for _, p := range proposals {
		fmt.Fprintf(&b, "PROPOSAL_ID: %s\nTITLE: %s\nDESCRIPTION: %s\n---\n", p.ID, p.Title, p.Description)
	}
	return b.String()
}

func buildSynthesisPrompt(proposals []Proposal, critiques []Critique) string {
	var b strings.Builder
	b.WriteString("Synthesize the proposals and critiques below into 3-4 named phases. For each phase, emit a block ")
	b.WriteString("separated by \"---\" with fields: PHASE, PROPOSAL_IDS (comma separated).\n\n")
	for _, p := range proposals {
		fmt.Fprintf(&b, "%s: %s\n", p.ID, p.Title)
	}
	return b.String()
}

// validate runs the three validation phases: thesis, antithesis, and
// dialectical synthesis yielding per-proposal decisions.
func (c *Cycle) validate(ctx context.Context, proposals []Proposal, critiques []Critique, phases []Phase) []Validation {
	thesisPrompt := buildValidationPrompt("thesis", proposals, critiques)
	c.query(ctx, thesisPrompt, providerrunner.All, c.Providers, c.ValidationTimeout)

	antithesisPrompt := buildValidationPrompt("antithesis", proposals, critiques)
	c.query(ctx, antithesisPrompt, providerrunner.Dialectical, c.Providers, c.ValidationTimeout)

	synthesisPrompt := buildValidationPrompt("synthesis", proposals, critiques)
	resp := c.query(ctx, synthesisPrompt, providerrunner.Dialectical, c.Providers, c.ValidationTimeout)
	if !resp.Success {
		return nil
	}
	text := resp.Summary
	if text == "" {
		for _, v := range resp.Responses {
			text = v
			break
		}
	}
	return parseValidations(text)
}

func buildValidationPrompt(phase string, proposals []Proposal, critiques []Critique) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Validation phase: %s. Decide each proposal's fate.\n", phase)
	b.WriteString("For each, emit a block separated by \"---\" with fields: PROPOSAL_ID, ")
	b.WriteString("DECISION (APPROVED|APPROVED_WITH_CHANGES|NEEDS_REVISION|REJECTED), CONFIDENCE (0-1), ")
	b.WriteString("STRENGTHS, CONCERNS, RISKS, SUGGESTIONS.\n\n")
	for _, p := range proposals {
		fmt.Fprintf(&b, "PROPOSAL_ID: %s\nTITLE: %s\nCOMPLEXITY: %d\n---\n", p.ID, p.Title, p.Complexity)
	}
	return b.String()
}

// clearedForFiling runs an approved proposal through the Safety Manager
// and, when it demands a human decision, the Approval Workflow, recording
// a rollback point first so the filing can be undone if it turns out
// unwanted. A nil Safety manager clears everything, matching the
// pre-C13 behavior.
func (c *Cycle) clearedForFiling(ctx context.Context, p Proposal) bool {
	if c.Safety == nil {
		return true
	}
	opContext := "roadmap cycle issue filing for proposal " + p.ID
	result := c.Safety.CheckOperationSafety(ctx, nil, nil, p.Description, opContext)
	if !result.Allowed {
		c.Logger.Warn("roadmap: issue filing blocked by safety manager", "proposal_id", p.ID, "phrasing", result.Phrasing)
		return false
	}
	if result.RequiresApproval {
		if c.Approvals == nil {
			c.Logger.Warn("roadmap: issue filing requires approval but no approval workflow is configured", "proposal_id", p.ID)
			return false
		}
		decision := c.Approvals.RequestApproval(ctx, "RoadmapIssueFiling", p.ID+": "+opContext, 0, c.Safety.MultiAgentRiskAssessment)
		if !decision.Approved {
			c.Logger.Info("roadmap: issue filing denied", "proposal_id", p.ID, "rationale", decision.Rationale)
			return false
		}
	}
	if c.Rollback != nil {
		if _, err := c.Rollback.CreateRollbackPoint("roadmap issue filing for "+p.ID, p.ID); err != nil {
			c.Logger.Warn("roadmap: rollback point creation failed", "proposal_id", p.ID, "error", err)
		}
	}
	return true
}

func (c *Cycle) fileIssue(p Proposal, v Validation) (*host.Issue, error) {
	title := formatTitle(p)
	body := formatBody(p, v)
	labels := c.determineLabels(p)
	return c.Host.CreateIssue(title, body, labels)
}

var actionVerbs = []string{"implement", "add", "create", "build", "develop", "refactor", "optimize", "improve", "fix", "update"}

func formatTitle(p Proposal) string {
	title := strings.TrimSpace(p.Title)
	lower := strings.ToLower(title)
	for _, verb := range actionVerbs {
		if strings.HasPrefix(lower, verb) {
			return title
		}
	}
	return "Implement " + title
}

func formatBody(p Proposal, v Validation) string {
	var b strings.Builder

	b.WriteString("## Description\n\n")
	fmt.Fprintf(&b, "%s\n", p.Description)

	b.WriteString("\n## Rationale\n\n")
	fmt.Fprintf(&b, "%s\n", p.ValueProposition)

	if len(v.Strengths) > 0 {
		b.WriteString("\n## Benefits\n\n")
		for _, s := range v.Strengths {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	b.WriteString("\n## Acceptance Criteria\n\n")
	if len(p.SuccessMetrics) > 0 {
		for _, m := range p.SuccessMetrics {
			fmt.Fprintf(&b, "- [ ] %s\n", m)
		}
	} else {
		fmt.Fprintf(&b, "- [ ] Implement %s\n", strings.ToLower(p.Title))
		b.WriteString("- [ ] Add tests for new functionality\n")
		b.WriteString("- [ ] Update documentation\n")
	}

	b.WriteString("\n## Technical Notes\n\n")
	fmt.Fprintf(&b, "- **Estimated complexity**: %d/10\n", p.Complexity)
	if p.EstimatedEffort != "" {
		fmt.Fprintf(&b, "- **Estimated effort**: %s\n", p.EstimatedEffort)
	}
	if p.Category != "" {
		fmt.Fprintf(&b, "- **Category**: %s\n", p.Category)
	}
	if len(p.Dependencies) > 0 {
		fmt.Fprintf(&b, "- **Dependencies**: %s\n", strings.Join(p.Dependencies, ", "))
	}
	fmt.Fprintf(&b, "- **Proposed by**: %s\n", strings.ToUpper(p.Provider))

	if len(v.Concerns) > 0 || len(v.Risks) > 0 {
		b.WriteString("\n## Risks & Concerns\n\n")
		for _, c := range v.Concerns {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		for _, r := range v.Risks {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	if len(v.Suggestions) > 0 {
		b.WriteString("\n## Implementation Suggestions\n\n")
		for _, s := range v.Suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	b.WriteString("\n---\n")
	b.WriteString("Generated by the roadmap cycle.\n")
	if v.Confidence > 0 {
		fmt.Fprintf(&b, "**Validation confidence**: %.0f%%\n", v.Confidence*100)
	}

	return b.String()
}

var categoryLabels = map[string]string{
	"performance": "performance", "security": "security", "reliability": "reliability",
	"documentation": "documentation", "refactor": "refactor", "feature": "feature",
}

func (c *Cycle) determineLabels(p Proposal) []string {
	if !c.AutoLabel {
		return nil
	}
	var labels []string
	labels = append(labels, "priority-"+strings.ToLower(string(p.Priority)))

	if category, ok := categoryLabels[p.Category]; ok {
		labels = append(labels, category)
	} else {
		labels = append(labels, "enhancement")
	}

	labels = append(labels, complexityLabel(p.Complexity))

	if c.AddBotApproved {
		labels = append(labels, "bot-approved")
	}
	return labels
}

func complexityLabel(complexity int) string {
	switch {
	case complexity <= 3:
		return "complexity-simple"
	case complexity <= 7:
		return "complexity-medium"
	default:
		return "complexity-complex"
	}
}

func (c *Cycle) recordFact(ctx context.Context, result Result) {
	if c.Ledger == nil {
		return
	}
	opID, err := c.Ledger.StartOperation(ctx, "RoadmapCycle", "", map[string]any{
		"proposals_generated": result.ProposalsGenerated,
		"approved_count":      result.ApprovedCount,
	})
	if err != nil {
		c.Logger.Error("roadmap: start operation failed", "error", err)
		return
	}
	if err := c.Ledger.CompleteOperation(ctx, opID, true, "", "", 0); err != nil {
		c.Logger.Error("roadmap: complete operation failed", "error", err)
		return
	}
	refinedJSON, err := json.Marshal(result.RefinedPhases)
	if err != nil {
		c.Logger.Error("roadmap: marshal refined phases failed", "error", err)
		refinedJSON = []byte("[]")
	}
	if err := c.Ledger.AttachFact(ctx, opID, ledger.Fact{
		Table: "roadmap_tracking",
		Fields: map[string]any{
			"theme":               roadmapTheme(result),
			"issues_created":      result.IssuesCreated,
			"refined_phases_json": string(refinedJSON),
		},
	}); err != nil {
		c.Logger.Error("roadmap: attach fact failed", "error", err)
	}
}

func roadmapTheme(result Result) string {
	if result.IssuesCreated == 0 {
		return "no approved proposals"
	}
	return strconv.Itoa(result.IssuesCreated) + " issues filed from " + strconv.Itoa(result.ProposalsGenerated) + " proposals"
}
