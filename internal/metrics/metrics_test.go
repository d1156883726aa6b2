package metrics

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/antigravity-dev/reflexor/internal/errs"
	"github.com/antigravity-dev/reflexor/internal/ledger"
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

func completeOp(t *testing.T, l *ledger.Ledger, kind string, success bool, errorKind errs.Kind) {
	t.Helper()
	ctx := context.Background()
	id, err := l.StartOperation(ctx, kind, "", nil)
	if err != nil {
		t.Fatalf("StartOperation failed: %v", err)
	}
	msg := ""
	if !success {
		msg = "boom"
	}
	if err := l.CompleteOperation(ctx, id, success, msg, errorKind, 0); err != nil {
		t.Fatalf("CompleteOperation failed: %v", err)
	}
}

func TestSuccessRate(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	completeOp(t, l, "ProcessIssue", true, "")
	completeOp(t, l, "ProcessIssue", true, "")
	completeOp(t, l, "ProcessIssue", false, errs.ProviderFault)

	a := New(l)
	rate, err := a.SuccessRate(ctx, "ProcessIssue", 30)
	if err != nil {
		t.Fatalf("SuccessRate failed: %v", err)
	}
	if rate < 0.66 || rate > 0.67 {
		t.Fatalf("expected ~0.667 success rate, got %v", rate)
	}
}

func TestOperationCounts(t *testing.T) {
	l := tempLedger(t)
	completeOp(t, l, "ProcessIssue", true, "")
	completeOp(t, l, "GenerateCode", true, "")
	completeOp(t, l, "GenerateCode", true, "")

	a := New(l)
	counts, err := a.OperationCounts(context.Background(), 30)
	if err != nil {
		t.Fatalf("OperationCounts failed: %v", err)
	}
	if counts["GenerateCode"] != 2 || counts["ProcessIssue"] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestErrorAnalysisRanksByCount(t *testing.T) {
	l := tempLedger(t)
	completeOp(t, l, "ProcessIssue", false, errs.ProviderFault)
	completeOp(t, l, "ProcessIssue", false, errs.ProviderFault)
	completeOp(t, l, "ProcessIssue", false, errs.StorageFault)

	a := New(l)
	buckets, err := a.ErrorAnalysis(context.Background(), 30)
	if err != nil {
		t.Fatalf("ErrorAnalysis failed: %v", err)
	}
	if len(buckets) != 2 || buckets[0].ErrorKind != string(errs.ProviderFault) || buckets[0].Count != 2 {
		t.Fatalf("expected ProviderFault ranked first with count 2, got %+v", buckets)
	}
}

func TestCostAnalysisSumsFacts(t *testing.T) {
	l := tempLedger(t)
	ctx := context.Background()
	id, err := l.StartOperation(ctx, "GenerateCode", "", nil)
	if err != nil {
		t.Fatalf("StartOperation failed: %v", err)
	}
	err = l.AttachFact(ctx, id, ledger.Fact{Table: "code_generation", Fields: map[string]any{
		"provider": "claude", "model": "opus", "input_tokens": 1000, "output_tokens": 500, "cost_usd": 0.25,
		"test_pass_rate": 1.0, "first_attempt_ok": 1,
	}})
	if err != nil {
		t.Fatalf("AttachFact failed: %v", err)
	}

	a := New(l)
	cost, err := a.CostAnalysis(ctx, 30)
	if err != nil {
		t.Fatalf("CostAnalysis failed: %v", err)
	}
	if cost.TotalCost != 0.25 || cost.TotalTokens != 1500 {
		t.Fatalf("unexpected cost analysis: %+v", cost)
	}
	if len(cost.ByProviderModel) != 1 || cost.ByProviderModel[0].Provider != "claude" {
		t.Fatalf("unexpected provider breakdown: %+v", cost.ByProviderModel)
	}
}

func TestInsightsGeneratorFlagsRecurringError(t *testing.T) {
	l := tempLedger(t)
	for i := 0; i < 6; i++ {
		completeOp(t, l, "ProcessIssue", false, errs.ProviderFault)
	}

	g := NewInsightsGenerator(New(l))
	insights, err := g.Generate(context.Background(), 30)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	found := false
	for _, in := range insights {
		if in.Kind == "recurring-error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a recurring-error insight, got %+v", insights)
	}
}
