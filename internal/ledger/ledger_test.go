package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/reflexor/internal/errs"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestStartAndCompleteOperation(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	opID, err := l.StartOperation(ctx, "code_generation", "issue-42", map[string]any{"bead": "abc"})
	if err != nil {
		t.Fatalf("StartOperation failed: %v", err)
	}
	if opID == "" {
		t.Fatal("expected non-empty operation id")
	}

	if err := l.CompleteOperation(ctx, opID, true, "", "", 0); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}

	ops, err := l.Query(ctx, QueryOptions{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	if ops[0].Success == nil || !*ops[0].Success {
		t.Fatal("expected success = true")
	}
	if ops[0].DurationS == nil {
		t.Fatal("expected duration to be recorded")
	}
}

func TestCompleteOperationRecordsErrorKind(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	opID, err := l.StartOperation(ctx, "pr_management", "", nil)
	if err != nil {
		t.Fatalf("StartOperation failed: %v", err)
	}
	if err := l.CompleteOperation(ctx, opID, false, "provider timed out", errs.ProviderFault, 2); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}

	ops, err := l.Query(ctx, QueryOptions{Since: time.Now().Add(-time.Hour), OnlyFailed: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 failed operation, got %d", len(ops))
	}
	if ops[0].ErrorKind != string(errs.ProviderFault) {
		t.Fatalf("expected error kind %q, got %q", errs.ProviderFault, ops[0].ErrorKind)
	}
	if ops[0].RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", ops[0].RetryCount)
	}
}

func TestAttachFactCodeGeneration(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	opID, err := l.StartOperation(ctx, "code_generation", "issue-7", nil)
	if err != nil {
		t.Fatalf("StartOperation failed: %v", err)
	}

	err = l.AttachFact(ctx, opID, Fact{Table: "code_generation", Fields: map[string]any{
		"provider": "claude", "model": "claude-opus",
		"input_tokens": 1200, "output_tokens": 400,
		"cost_usd": 0.42, "test_pass_rate": 1.0, "first_attempt_ok": true,
	}})
	if err != nil {
		t.Fatalf("AttachFact failed: %v", err)
	}
}

func TestAttachFactUnknownTableRejected(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	opID, err := l.StartOperation(ctx, "code_generation", "", nil)
	if err != nil {
		t.Fatalf("StartOperation failed: %v", err)
	}
	if err := l.AttachFact(ctx, opID, Fact{Table: "nonsense"}); err == nil {
		t.Fatal("expected error for unknown fact table")
	}
}

func TestRepositoryContextRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if snap, err := l.RepositoryContext(ctx); err != nil || snap != nil {
		t.Fatalf("expected nil snapshot before first write, got %v, err %v", snap, err)
	}

	want := map[string]any{"languages": []any{"go"}, "loc": float64(12345)}
	if err := l.SnapshotRepositoryContext(ctx, want); err != nil {
		t.Fatalf("SnapshotRepositoryContext failed: %v", err)
	}

	got, err := l.RepositoryContext(ctx)
	if err != nil {
		t.Fatalf("RepositoryContext failed: %v", err)
	}
	if got["loc"] != want["loc"] {
		t.Fatalf("expected loc %v, got %v", want["loc"], got["loc"])
	}

	overwrite := map[string]any{"languages": []any{"go", "python"}, "loc": float64(54321)}
	if err := l.SnapshotRepositoryContext(ctx, overwrite); err != nil {
		t.Fatalf("second SnapshotRepositoryContext failed: %v", err)
	}
	got, err = l.RepositoryContext(ctx)
	if err != nil {
		t.Fatalf("RepositoryContext failed: %v", err)
	}
	if got["loc"] != overwrite["loc"] {
		t.Fatalf("expected overwritten loc %v, got %v", overwrite["loc"], got["loc"])
	}
}

func TestQueryFiltersByKindAndLimit(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		opID, err := l.StartOperation(ctx, "issue_processing", "", nil)
		if err != nil {
			t.Fatalf("StartOperation failed: %v", err)
		}
		if err := l.CompleteOperation(ctx, opID, true, "", "", 0); err != nil {
			t.Fatalf("CompleteOperation failed: %v", err)
		}
	}
	opID, err := l.StartOperation(ctx, "roadmap_tracking", "", nil)
	if err != nil {
		t.Fatalf("StartOperation failed: %v", err)
	}
	if err := l.CompleteOperation(ctx, opID, true, "", "", 0); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}

	ops, err := l.Query(ctx, QueryOptions{Kind: "issue_processing", Since: time.Now().Add(-time.Hour), Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(ops))
	}
	for _, op := range ops {
		if op.Kind != "issue_processing" {
			t.Fatalf("expected kind issue_processing, got %q", op.Kind)
		}
	}
}
