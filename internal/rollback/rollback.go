// Package rollback implements the Rollback Manager (C12): operations over
// a local repository working tree via shell invocation of git, plus
// PR-level rollback through the Host.
package rollback

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/antigravity-dev/reflexor/internal/errs"
	"github.com/antigravity-dev/reflexor/internal/host"
)

// ErrMergeConflict is returned when a revert cannot be applied cleanly.
var ErrMergeConflict = fmt.Errorf("rollback: revert produced a merge conflict")

// RollbackPoint is a recorded, taggable position in history.
type RollbackPoint struct {
	Tag         string
	SHA         string
	Branch      string
	Description string
	WorkItemID  string
	CreatedAt   time.Time
}

// RollbackResult reports the outcome of a rollback operation.
type RollbackResult struct {
	Method       string // "revert_commit" or "hard_reset"
	NewCommitSHA string
	RevertPRURL  string
	BranchesDeleted []string
}

// Manager performs rollback operations against a working tree.
type Manager struct {
	Workspace  string
	RemoteName string
	TagPrefix  string
	Timeout    time.Duration
	Host       host.Host
	clock      func() time.Time
}

// New builds a Manager. clock defaults to time.Now when nil (tests may
// override it for deterministic tag names).
func New(workspace, remoteName, tagPrefix string, timeout time.Duration, h host.Host, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	if remoteName == "" {
		remoteName = "origin"
	}
	if tagPrefix == "" {
		tagPrefix = "rollback"
	}
	return &Manager{Workspace: workspace, RemoteName: remoteName, TagPrefix: tagPrefix, Timeout: timeout, Host: h, clock: clock}
}

func (m *Manager) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.Workspace
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// CreateRollbackPoint tags HEAD on the current branch.
func (m *Manager) CreateRollbackPoint(description, workItemID string) (*RollbackPoint, error) {
	sha, err := m.run("rev-parse", "HEAD")
	if err != nil {
		return nil, errs.New("rollback.CreateRollbackPoint", errs.HostFault, err)
	}
	branch, err := m.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, errs.New("rollback.CreateRollbackPoint", errs.HostFault, err)
	}

	now := m.clock()
	tag := fmt.Sprintf("%s-%s", m.TagPrefix, now.Format("20060102-150405"))
	if workItemID != "" {
		tag = fmt.Sprintf("%s-%s-%s", m.TagPrefix, workItemID, now.Format("20060102-150405"))
	}

	message := description
	if message == "" {
		message = fmt.Sprintf("rollback point at %s", sha)
	}
	if _, err := m.run("tag", "-a", tag, "-m", message); err != nil {
		return nil, errs.New("rollback.CreateRollbackPoint", errs.HostFault, err)
	}

	return &RollbackPoint{Tag: tag, SHA: sha, Branch: branch, Description: description, WorkItemID: workItemID, CreatedAt: now}, nil
}

// Rollback reverts (default) or hard-resets to point. If cleanupBranches is
// set, point.Branch is deleted locally and on the configured remote.
func (m *Manager) Rollback(point RollbackPoint, cleanupBranches, createRevertCommit bool) (*RollbackResult, error) {
	result := &RollbackResult{}

	if createRevertCommit {
		rangeSpec := fmt.Sprintf("%s..HEAD", point.SHA)
		out, err := m.run("revert", "--no-edit", rangeSpec)
		if err != nil {
			lower := strings.ToLower(out)
			if strings.Contains(lower, "conflict") {
				m.run("revert", "--abort")
				return nil, errs.New("rollback.Rollback", errs.HostFault, fmt.Errorf("%w: %s", ErrMergeConflict, out))
			}
			return nil, errs.New("rollback.Rollback", errs.HostFault, err)
		}
		sha, err := m.run("rev-parse", "HEAD")
		if err != nil {
			return nil, errs.New("rollback.Rollback", errs.HostFault, err)
		}
		result.Method = "revert_commit"
		result.NewCommitSHA = sha
	} else {
		if _, err := m.run("reset", "--hard", point.SHA); err != nil {
			return nil, errs.New("rollback.Rollback", errs.HostFault, err)
		}
		result.Method = "hard_reset"
		result.NewCommitSHA = point.SHA
	}

	if cleanupBranches && point.Branch != "" && point.Branch != "main" && point.Branch != "master" {
		if _, err := m.run("branch", "-D", point.Branch); err == nil {
			result.BranchesDeleted = append(result.BranchesDeleted, point.Branch)
		}
		if _, err := m.run("push", m.RemoteName, "--delete", point.Branch); err == nil {
			result.BranchesDeleted = append(result.BranchesDeleted, m.RemoteName+"/"+point.Branch)
		}
	}

	return result, nil
}

// RollbackPR reverts a merged PR's merge commit, either opening a revert
// PR through Host (createRevertPR=true) or reverting directly on the
// current branch.
func (m *Manager) RollbackPR(prNumber int, reason string, createRevertPR bool) (*RollbackResult, error) {
	pr, err := m.Host.GetPR(prNumber)
	if err != nil {
		return nil, errs.New("rollback.RollbackPR", errs.HostFault, err)
	}
	if pr.MergeCommitSHA == "" {
		return nil, errs.New("rollback.RollbackPR", errs.ValidationFailed, fmt.Errorf("PR #%d has no merge commit (not merged?)", prNumber))
	}

	if !createRevertPR {
		out, err := m.run("revert", "-m", "1", "--no-edit", pr.MergeCommitSHA)
		if err != nil {
			if strings.Contains(strings.ToLower(out), "conflict") {
				m.run("revert", "--abort")
				return nil, errs.New("rollback.RollbackPR", errs.HostFault, fmt.Errorf("%w: %s", ErrMergeConflict, out))
			}
			return nil, errs.New("rollback.RollbackPR", errs.HostFault, err)
		}
		sha, err := m.run("rev-parse", "HEAD")
		if err != nil {
			return nil, errs.New("rollback.RollbackPR", errs.HostFault, err)
		}
		return &RollbackResult{Method: "revert_commit", NewCommitSHA: sha}, nil
	}

	revertBranch := fmt.Sprintf("revert-pr-%d", prNumber)
	if _, err := m.run("checkout", "-b", revertBranch, pr.BaseBranch); err != nil {
		return nil, errs.New("rollback.RollbackPR", errs.HostFault, err)
	}
	out, err := m.run("revert", "-m", "1", "--no-edit", pr.MergeCommitSHA)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "conflict") {
			m.run("revert", "--abort")
			return nil, errs.New("rollback.RollbackPR", errs.HostFault, fmt.Errorf("%w: %s", ErrMergeConflict, out))
		}
		return nil, errs.New("rollback.RollbackPR", errs.HostFault, err)
	}
	if _, err := m.run("push", m.RemoteName, revertBranch); err != nil {
		return nil, errs.New("rollback.RollbackPR", errs.HostFault, err)
	}

	title := fmt.Sprintf("Revert #%d", prNumber)
	body := fmt.Sprintf("Reverts #%d.\n\nReason: %s", prNumber, reason)
	revertPR, err := m.Host.CreatePR(revertBranch, pr.BaseBranch, title, body)
	if err != nil {
		return nil, errs.New("rollback.RollbackPR", errs.HostFault, err)
	}

	return &RollbackResult{Method: "revert_pr", RevertPRURL: revertPR.URL}, nil
}

// ListRollbackPoints enumerates tags matching the configured prefix.
func (m *Manager) ListRollbackPoints() ([]RollbackPoint, error) {
	out, err := m.run("tag", "-l", m.TagPrefix+"-*", "--sort=-creatordate")
	if err != nil {
		return nil, errs.New("rollback.ListRollbackPoints", errs.HostFault, err)
	}
	if out == "" {
		return nil, nil
	}

	var points []RollbackPoint
	for _, tag := range strings.Split(out, "\n") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		sha, err := m.run("rev-list", "-n", "1", tag)
		if err != nil {
			continue
		}
		message, err := m.run("tag", "-l", "--format=%(contents)", tag)
		if err != nil {
			message = ""
		}
		points = append(points, RollbackPoint{Tag: tag, SHA: sha, Description: message})
	}
	return points, nil
}

// BranchesCleanupCount is a small helper used by callers reporting on a
// rollback result's blast radius.
func BranchesCleanupCount(r *RollbackResult) int {
	if r == nil {
		return 0
	}
	return len(r.BranchesDeleted)
}
