package rollback

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v failed: %v", args, err)
		}
	}

	writeAndCommit(t, dir, "README.md", "# test\n", "initial commit")
	return dir
}

func writeAndCommit(t *testing.T, dir, file, content, message string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	run(t, dir, "add", file)
	run(t, dir, "commit", "-m", message)
	return run(t, dir, "rev-parse", "HEAD")
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v (%s)", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestCreateRollbackPoint(t *testing.T) {
	dir := setupTestRepo(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := New(dir, "origin", "rollback", 10*time.Second, nil, func() time.Time { return fixed })

	point, err := m.CreateRollbackPoint("before risky change", "work-42")
	if err != nil {
		t.Fatalf("CreateRollbackPoint failed: %v", err)
	}
	if !strings.HasPrefix(point.Tag, "rollback-work-42-20260102") {
		t.Fatalf("unexpected tag: %q", point.Tag)
	}
	if point.Branch == "" {
		t.Fatal("expected branch to be recorded")
	}
}

func TestRollbackWithRevertCommit(t *testing.T) {
	dir := setupTestRepo(t)
	m := New(dir, "origin", "rollback", 10*time.Second, nil, nil)

	point, err := m.CreateRollbackPoint("checkpoint", "")
	if err != nil {
		t.Fatalf("CreateRollbackPoint failed: %v", err)
	}

	writeAndCommit(t, dir, "bad.txt", "oops\n", "introduce bug")

	result, err := m.Rollback(*point, false, true)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.Method != "revert_commit" {
		t.Fatalf("expected revert_commit, got %q", result.Method)
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.txt")); !os.IsNotExist(err) {
		t.Fatal("expected bad.txt to be reverted away")
	}
}

func TestRollbackWithHardReset(t *testing.T) {
	dir := setupTestRepo(t)
	m := New(dir, "origin", "rollback", 10*time.Second, nil, nil)

	point, err := m.CreateRollbackPoint("checkpoint", "")
	if err != nil {
		t.Fatalf("CreateRollbackPoint failed: %v", err)
	}
	writeAndCommit(t, dir, "bad.txt", "oops\n", "introduce bug")

	result, err := m.Rollback(*point, false, false)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if result.Method != "hard_reset" {
		t.Fatalf("expected hard_reset, got %q", result.Method)
	}
	if result.NewCommitSHA != point.SHA {
		t.Fatalf("expected HEAD at %q, got %q", point.SHA, result.NewCommitSHA)
	}
}

func TestListRollbackPoints(t *testing.T) {
	dir := setupTestRepo(t)
	// Tag names have one-second resolution, so the clock advances a second
	// per point to keep the two tags distinct.
	tick := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := New(dir, "origin", "rollback", 10*time.Second, nil, func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	if _, err := m.CreateRollbackPoint("first", ""); err != nil {
		t.Fatalf("CreateRollbackPoint failed: %v", err)
	}
	writeAndCommit(t, dir, "file2.txt", "more\n", "second commit")
	if _, err := m.CreateRollbackPoint("second", ""); err != nil {
		t.Fatalf("CreateRollbackPoint failed: %v", err)
	}

	points, err := m.ListRollbackPoints()
	if err != nil {
		t.Fatalf("ListRollbackPoints failed: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("expected 2 rollback points, got %d", len(points))
	}
}
