package roadmap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/reflexor/internal/host"
	"github.com/antigravity-dev/reflexor/internal/ledger"
	"github.com/antigravity-dev/reflexor/internal/providerrunner"
)

func tempLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func tempRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644); err != nil {
		t.Fatalf("write main.go failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main_test.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write main_test.go failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0o644); err != nil {
		t.Fatalf("write README.md failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/repo\n\nrequire github.com/gin-gonic/gin v1.0.0\n"), 0o644); err != nil {
		t.Fatalf("write go.mod failed: %v", err)
	}
	return dir
}

type stubRunner struct {
	ideation   providerrunner.Response
	critique   providerrunner.Response
	synthesis  providerrunner.Response
	validation providerrunner.Response
	calls      []providerrunner.Strategy
}

func (s *stubRunner) Query(ctx context.Context, prompt string, strategy providerrunner.Strategy, providers []string, timeout time.Duration) providerrunner.Response {
	s.calls = append(s.calls, strategy)
	switch len(s.calls) {
	case 1:
		// codebase consensus analysis; an unsuccessful response leaves the
		// consensus empty
		return providerrunner.Response{}
	case 2:
		return s.ideation
	case 3:
		return s.critique
	case 4:
		return s.synthesis
	default:
		return s.validation
	}
}

func (s *stubRunner) GetStatistics() providerrunner.Statistics { return providerrunner.Statistics{} }

type stubHost struct {
	created []host.Issue
}

func (h *stubHost) ListIssues(labels []string, state string) ([]host.Issue, error) { return nil, nil }
func (h *stubHost) GetIssue(number int) (*host.Issue, error)                        { return nil, nil }
func (h *stubHost) CreateIssue(title, body string, labels []string) (*host.Issue, error) {
	issue := host.Issue{Number: len(h.created) + 1, Title: title, Body: body, Labels: labels, State: "open"}
	h.created = append(h.created, issue)
	return &issue, nil
}
func (h *stubHost) Comment(issueOrPRNumber int, body string) error       { return nil }
func (h *stubHost) AddLabels(issueOrPRNumber int, labels []string) error { return nil }
func (h *stubHost) RemoveLabel(issueOrPRNumber int, label string) error  { return nil }
func (h *stubHost) CloseIssue(number int) error                         { return nil }
func (h *stubHost) CreatePR(headBranch, baseBranch, title, body string) (*host.PR, error) {
	return nil, nil
}
func (h *stubHost) GetPR(number int) (*host.PR, error)                 { return nil, nil }
func (h *stubHost) GetPRByBranch(branch string) (*host.PR, error)      { return nil, nil }
func (h *stubHost) Merge(prNumber int) error                           { return nil }
func (h *stubHost) GetPRChecks(prNumber int) (bool, string, error)     { return true, "", nil }
func (h *stubHost) RequestReview(prNumber int, reviewers []string) error { return nil }
func (h *stubHost) GetFile(path, ref string) ([]byte, error)           { return nil, nil }
func (h *stubHost) GetPRDiff(prNumber int) (string, error)             { return "", nil }
func (h *stubHost) GetRateLimit() (host.RateLimit, error)              { return host.RateLimit{}, nil }
func (h *stubHost) Reachable() bool                                    { return true }

func TestAnalyzeCodebaseDetectsTestsDocsAndFrameworks(t *testing.T) {
	dir := tempRepo(t)
	analysis, err := AnalyzeCodebase(dir)
	if err != nil {
		t.Fatalf("AnalyzeCodebase failed: %v", err)
	}
	if analysis.Metrics.TotalFiles != 2 {
		t.Fatalf("expected 2 go files counted, got %d", analysis.Metrics.TotalFiles)
	}
	if !analysis.Metrics.HasTests {
		t.Fatalf("expected HasTests true")
	}
	if !analysis.Metrics.HasDocumentation {
		t.Fatalf("expected HasDocumentation true")
	}
	if analysis.Metrics.Languages["go"] != 2 {
		t.Fatalf("expected 2 go-language files, got %d", analysis.Metrics.Languages["go"])
	}
}

const proposalBlock = `TITLE: Add retry queue
DESCRIPTION: Buffer failed operations for retry.
VALUE: Reduces transient failure rate.
COMPLEXITY: 4
PRIORITY: HIGH
DEPENDENCIES: ledger
METRICS: retry success rate above 90%
EFFORT: 3 days
CATEGORY: reliability
---
TITLE: Dangerous migration tool
DESCRIPTION: Rewrites the schema in place.
VALUE: Simplifies future migrations.
COMPLEXITY: 9
PRIORITY: CRITICAL
CATEGORY: refactor
---`

const critiqueBlock = `PROPOSAL_ID: %s
STRENGTHS: well scoped, low risk
CONCERNS:
FEASIBILITY: 0.9
VALUE: 0.8
---`

const validationApprove = `PROPOSAL_ID: %s
DECISION: APPROVED
CONFIDENCE: 0.85
STRENGTHS: clear rationale
SUGGESTIONS: add metrics dashboard
---
PROPOSAL_ID: %s
DECISION: REJECTED
CONFIDENCE: 0.6
CONCERNS: too risky
---`

func TestRunFilesIssuesForApprovedProposalsOnly(t *testing.T) {
	l := tempLedger(t)
	dir := tempRepo(t)
	h := &stubHost{}

	runner := &stubRunner{
		ideation:  providerrunner.Response{Success: true, Responses: map[string]string{"claude": proposalBlock}},
		critique:  providerrunner.Response{Success: true, Responses: map[string]string{"claude": "PROPOSAL_ID: claude-0\nSTRENGTHS: solid\n---"}},
		synthesis: providerrunner.Response{Success: true, Summary: "PHASE: foundation\nPROPOSAL_IDS: claude-0,claude-1\n---"},
	}

	cycle := New(runner, h, l, dir, []string{"claude"}, true, false, 0, 0, nil)

	// Patch the validation response now that proposal ids are known
	// (claude-0, claude-1 given a single ideation provider).
	runner.validation = providerrunner.Response{Success: true, Summary: sprintfValidation("claude-0", "claude-1")}

	result := cycle.Run(context.Background())
	if result.ProposalsGenerated != 2 {
		t.Fatalf("expected 2 proposals generated, got %d", result.ProposalsGenerated)
	}
	if result.ApprovedCount != 1 {
		t.Fatalf("expected 1 approved proposal, got %d", result.ApprovedCount)
	}
	if result.IssuesCreated != 1 {
		t.Fatalf("expected 1 issue created, got %+v", result)
	}
	if len(h.created) != 1 {
		t.Fatalf("expected host to record 1 created issue, got %d", len(h.created))
	}
	issue := h.created[0]
	if issue.Title != "Add retry queue" {
		t.Fatalf("unexpected issue title: %q", issue.Title)
	}
	foundPriority := false
	for _, label := range issue.Labels {
		if label == "priority-high" {
			foundPriority = true
		}
	}
	if !foundPriority {
		t.Fatalf("expected priority-high label, got %v", issue.Labels)
	}
}

func sprintfValidation(approvedID, rejectedID string) string {
	return "PROPOSAL_ID: " + approvedID + "\nDECISION: APPROVED\nCONFIDENCE: 0.85\nSTRENGTHS: clear rationale\n---\n" +
		"PROPOSAL_ID: " + rejectedID + "\nDECISION: REJECTED\nCONFIDENCE: 0.6\nCONCERNS: too risky\n---"
}

func TestFormatTitleAddsImplementPrefixWhenNoActionVerb(t *testing.T) {
	p := Proposal{Title: "retry queue"}
	if got := formatTitle(p); got != "Implement retry queue" {
		t.Fatalf("expected prefixed title, got %q", got)
	}
	p2 := Proposal{Title: "Fix flaky test"}
	if got := formatTitle(p2); got != "Fix flaky test" {
		t.Fatalf("expected unprefixed title, got %q", got)
	}
}

func TestComplexityLabelBuckets(t *testing.T) {
	cases := map[int]string{1: "complexity-simple", 3: "complexity-simple", 4: "complexity-medium", 7: "complexity-medium", 8: "complexity-complex", 10: "complexity-complex"}
	for complexity, want := range cases {
		if got := complexityLabel(complexity); got != want {
			t.Fatalf("complexityLabel(%d) = %q, want %q", complexity, got, want)
		}
	}
}

func TestRefinePhasesIntersectsApprovedIDs(t *testing.T) {
	phases := []Phase{{Name: "foundation", ProposalIDs: []string{"a", "b", "c"}}}
	refined := refinePhases(phases, []string{"b"})
	if len(refined) != 1 || len(refined[0].ProposalIDs) != 1 || refined[0].ProposalIDs[0] != "b" {
		t.Fatalf("expected refined phase to retain only approved id, got %+v", refined)
	}
}
