// Package host defines the orchestrator's external collaborator: an issue
// tracker and code host (GitHub via the gh CLI, in the only shipped
// implementation).
package host

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/reflexor/internal/errs"
)

// hostReadRetries/hostReadJitter bound the local retry a HostFault on a read
// gets before it surfaces to the caller.
const (
	hostReadRetries = 3
	hostReadJitter  = 200 * time.Millisecond
)

// retryHostRead runs fn with the §7 HostFault-on-read retry policy and wraps
// a final failure as errs.HostFault tagged with op.
func retryHostRead(op string, fn func() error) error {
	if err := errs.Retry(hostReadRetries, hostReadJitter, fn); err != nil {
		return errs.New(op, errs.HostFault, err)
	}
	return nil
}

// Issue is a tracked unit of work on the host.
type Issue struct {
	Number int
	Title  string
	Body   string
	State  string
	Labels []string
}

// PR is a pull request on the host.
type PR struct {
	Number         int
	URL            string
	State          string
	ReviewDecision string
	MergeCommitSHA string
	HeadBranch     string
	BaseBranch     string
}

// RateLimit reports the host API's remaining quota.
type RateLimit struct {
	Limit     int
	Remaining int
}

// Host is everything the orchestrator needs from an external collaborator.
// The only shipped implementation, GitHubCLIHost, shells out to the gh CLI.
type Host interface {
	ListIssues(labels []string, state string) ([]Issue, error)
	GetIssue(number int) (*Issue, error)
	CreateIssue(title, body string, labels []string) (*Issue, error)
	Comment(issueOrPRNumber int, body string) error
	AddLabels(issueOrPRNumber int, labels []string) error
	RemoveLabel(issueOrPRNumber int, label string) error
	CloseIssue(number int) error

	CreatePR(headBranch, baseBranch, title, body string) (*PR, error)
	GetPR(number int) (*PR, error)
	GetPRByBranch(branch string) (*PR, error)
	Merge(prNumber int) error
	GetPRChecks(prNumber int) (passed bool, summary string, err error)
	RequestReview(prNumber int, reviewers []string) error

	GetFile(path, ref string) ([]byte, error)
	GetPRDiff(prNumber int) (string, error)
	GetRateLimit() (RateLimit, error)
	Reachable() bool
}

// GitHubCLIHost is a Host backed by the gh CLI.
type GitHubCLIHost struct {
	Workspace string
	Repo      string // "owner/name"; empty lets gh infer it from Workspace
}

// New constructs a GitHubCLIHost bound to workspace, optionally targeting
// repo explicitly (gh infers the repo from the git remote when empty).
func New(workspace, repo string) *GitHubCLIHost {
	return &GitHubCLIHost{Workspace: workspace, Repo: repo}
}

func (h *GitHubCLIHost) gh(args ...string) ([]byte, error) {
	if h.Repo != "" {
		args = append(args, "--repo", h.Repo)
	}
	cmd := exec.Command("gh", args...)
	cmd.Dir = h.Workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("gh %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

type ghIssue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	State  string   `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (g ghIssue) toIssue() Issue {
	labels := make([]string, 0, len(g.Labels))
	for _, l := range g.Labels {
		labels = append(labels, l.Name)
	}
	return Issue{Number: g.Number, Title: g.Title, Body: g.Body, State: g.State, Labels: labels}
}

func (h *GitHubCLIHost) ListIssues(labels []string, state string) ([]Issue, error) {
	args := []string{"issue", "list", "--json", "number,title,body,state,labels", "--limit", "200"}
	if state != "" {
		args = append(args, "--state", state)
	}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	var out []byte
	if err := retryHostRead("host.ListIssues", func() error {
		var ghErr error
		out, ghErr = h.gh(args...)
		return ghErr
	}); err != nil {
		return nil, err
	}
	var raw []ghIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("host: unmarshal issue list: %w", err)
	}
	issues := make([]Issue, 0, len(raw))
	for _, r := range raw {
		issues = append(issues, r.toIssue())
	}
	return issues, nil
}

func (h *GitHubCLIHost) GetIssue(number int) (*Issue, error) {
	var out []byte
	if err := retryHostRead("host.GetIssue", func() error {
		var ghErr error
		out, ghErr = h.gh("issue", "view", strconv.Itoa(number), "--json", "number,title,body,state,labels")
		return ghErr
	}); err != nil {
		return nil, err
	}
	var raw ghIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("host: unmarshal issue: %w", err)
	}
	issue := raw.toIssue()
	return &issue, nil
}

func (h *GitHubCLIHost) CreateIssue(title, body string, labels []string) (*Issue, error) {
	args := []string{"issue", "create", "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	out, err := h.gh(args...)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(string(out))
	number := numberFromURL(url)
	return &Issue{Number: number, Title: title, Body: body, State: "open", Labels: labels}, nil
}

func (h *GitHubCLIHost) Comment(issueOrPRNumber int, body string) error {
	_, err := h.gh("issue", "comment", strconv.Itoa(issueOrPRNumber), "--body", body)
	return err
}

func (h *GitHubCLIHost) AddLabels(issueOrPRNumber int, labels []string) error {
	args := []string{"issue", "edit", strconv.Itoa(issueOrPRNumber)}
	for _, l := range labels {
		args = append(args, "--add-label", l)
	}
	_, err := h.gh(args...)
	return err
}

func (h *GitHubCLIHost) RemoveLabel(issueOrPRNumber int, label string) error {
	_, err := h.gh("issue", "edit", strconv.Itoa(issueOrPRNumber), "--remove-label", label)
	return err
}

func (h *GitHubCLIHost) CloseIssue(number int) error {
	_, err := h.gh("issue", "close", strconv.Itoa(number))
	return err
}

type ghPR struct {
	Number         int    `json:"number"`
	URL            string `json:"url"`
	State          string `json:"state"`
	ReviewDecision string `json:"reviewDecision"`
	MergeCommit    struct {
		OID string `json:"oid"`
	} `json:"mergeCommit"`
	HeadRefName string `json:"headRefName"`
	BaseRefName string `json:"baseRefName"`
}

func (g ghPR) toPR() PR {
	return PR{
		Number: g.Number, URL: g.URL, State: g.State, ReviewDecision: g.ReviewDecision,
		MergeCommitSHA: g.MergeCommit.OID, HeadBranch: g.HeadRefName, BaseBranch: g.BaseRefName,
	}
}

const prJSONFields = "number,url,state,reviewDecision,mergeCommit,headRefName,baseRefName"

func (h *GitHubCLIHost) CreatePR(headBranch, baseBranch, title, body string) (*PR, error) {
	out, err := h.gh("pr", "create", "--head", headBranch, "--base", baseBranch, "--title", title, "--body", body)
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(string(out))
	return &PR{Number: numberFromURL(url), URL: url, State: "OPEN", HeadBranch: headBranch, BaseBranch: baseBranch}, nil
}

func (h *GitHubCLIHost) GetPR(number int) (*PR, error) {
	var out []byte
	if err := retryHostRead("host.GetPR", func() error {
		var ghErr error
		out, ghErr = h.gh("pr", "view", strconv.Itoa(number), "--json", prJSONFields)
		return ghErr
	}); err != nil {
		return nil, err
	}
	var raw ghPR
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("host: unmarshal PR: %w", err)
	}
	pr := raw.toPR()
	return &pr, nil
}

func (h *GitHubCLIHost) GetPRByBranch(branch string) (*PR, error) {
	var notFound bool
	var out []byte
	err := retryHostRead("host.GetPRByBranch", func() error {
		var ghErr error
		out, ghErr = h.gh("pr", "view", branch, "--json", prJSONFields)
		if ghErr != nil && strings.Contains(strings.ToLower(string(out)), "no pull requests found") {
			notFound = true
			return nil
		}
		return ghErr
	})
	if notFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw ghPR
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("host: unmarshal PR: %w", err)
	}
	pr := raw.toPR()
	return &pr, nil
}

func (h *GitHubCLIHost) Merge(prNumber int) error {
	_, err := h.gh("pr", "merge", strconv.Itoa(prNumber), "--merge")
	return err
}

func (h *GitHubCLIHost) GetPRChecks(prNumber int) (bool, string, error) {
	out, err := h.gh("pr", "checks", strconv.Itoa(prNumber), "--json", "name,state")
	if err != nil {
		return false, "", err
	}
	var checks []struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &checks); err != nil {
		return false, "", fmt.Errorf("host: unmarshal checks: %w", err)
	}
	passed := true
	var failing []string
	for _, c := range checks {
		if !strings.EqualFold(c.State, "SUCCESS") {
			passed = false
			failing = append(failing, c.Name)
		}
	}
	if passed {
		return true, "all checks passed", nil
	}
	return false, fmt.Sprintf("failing checks: %s", strings.Join(failing, ", ")), nil
}

func (h *GitHubCLIHost) RequestReview(prNumber int, reviewers []string) error {
	args := []string{"pr", "edit", strconv.Itoa(prNumber)}
	for _, r := range reviewers {
		args = append(args, "--add-reviewer", r)
	}
	_, err := h.gh(args...)
	return err
}

func (h *GitHubCLIHost) GetFile(path, ref string) ([]byte, error) {
	args := []string{"api", fmt.Sprintf("repos/{owner}/{repo}/contents/%s", path)}
	if ref != "" {
		args = append(args, "-f", "ref="+ref)
	}
	args = append(args, "--jq", ".content")
	var out []byte
	if err := retryHostRead("host.GetFile", func() error {
		var ghErr error
		out, ghErr = h.gh(args...)
		return ghErr
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *GitHubCLIHost) GetPRDiff(prNumber int) (string, error) {
	var out []byte
	if err := retryHostRead("host.GetPRDiff", func() error {
		var ghErr error
		out, ghErr = h.gh("pr", "diff", strconv.Itoa(prNumber))
		return ghErr
	}); err != nil {
		return "", err
	}
	return string(out), nil
}

func (h *GitHubCLIHost) GetRateLimit() (RateLimit, error) {
	var out []byte
	if err := retryHostRead("host.GetRateLimit", func() error {
		var ghErr error
		out, ghErr = h.gh("api", "rate_limit", "--jq", ".rate")
		return ghErr
	}); err != nil {
		return RateLimit{}, err
	}
	var rl struct {
		Limit     int `json:"limit"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(out, &rl); err != nil {
		return RateLimit{}, fmt.Errorf("host: unmarshal rate limit: %w", err)
	}
	return RateLimit{Limit: rl.Limit, Remaining: rl.Remaining}, nil
}

func (h *GitHubCLIHost) Reachable() bool {
	_, err := h.gh("api", "rate_limit", "--jq", ".rate.limit")
	return err == nil
}

func numberFromURL(url string) int {
	parts := strings.Split(strings.TrimSpace(url), "/")
	if len(parts) == 0 {
		return 0
	}
	num, _ := strconv.Atoi(parts[len(parts)-1])
	return num
}
