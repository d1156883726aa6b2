// Package metrics is a read-only projection over the ledger (C2): success
// rates, error taxonomies, cost roll-ups, and a small insights layer that
// turns raw aggregates into human-readable recommendations.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/antigravity-dev/reflexor/internal/errs"
	"github.com/antigravity-dev/reflexor/internal/ledger"
)

// Analytics wraps a Ledger's underlying database for read-only aggregation.
type Analytics struct {
	ledger *ledger.Ledger
}

// New returns an Analytics projection over l.
func New(l *ledger.Ledger) *Analytics {
	return &Analytics{ledger: l}
}

func since(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}

// SuccessRate returns the fraction of completed operations that succeeded,
// optionally restricted to kind, over the last days.
func (a *Analytics) SuccessRate(ctx context.Context, kind string, days int) (float64, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(success), 0) FROM operations WHERE started_at >= ? AND completed_at IS NOT NULL`
	args := []any{since(days)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	var total, succeeded int
	if err := a.ledger.DB().QueryRowContext(ctx, query, args...).Scan(&total, &succeeded); err != nil {
		return 0, errs.New("metrics.SuccessRate", errs.StorageFault, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(succeeded) / float64(total), nil
}

// AverageDuration returns the mean duration_s of completed operations.
func (a *Analytics) AverageDuration(ctx context.Context, kind string, days int) (float64, error) {
	query := `SELECT COALESCE(AVG(duration_s), 0) FROM operations WHERE started_at >= ? AND completed_at IS NOT NULL`
	args := []any{since(days)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	var avg float64
	if err := a.ledger.DB().QueryRowContext(ctx, query, args...).Scan(&avg); err != nil {
		return 0, errs.New("metrics.AverageDuration", errs.StorageFault, err)
	}
	return avg, nil
}

// OperationCounts returns the number of operations started in the window,
// grouped by kind.
func (a *Analytics) OperationCounts(ctx context.Context, days int) (map[string]int, error) {
	rows, err := a.ledger.DB().QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM operations WHERE started_at >= ? GROUP BY kind`, since(days))
	if err != nil {
		return nil, errs.New("metrics.OperationCounts", errs.StorageFault, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, errs.New("metrics.OperationCounts", errs.StorageFault, err)
		}
		out[kind] = count
	}
	return out, rows.Err()
}

// ErrorBucket is one ranked entry in ErrorAnalysis.
type ErrorBucket struct {
	ErrorKind      string
	Count          int
	ExampleMessage string
}

// ErrorAnalysis ranks error kinds by occurrence count over the window.
func (a *Analytics) ErrorAnalysis(ctx context.Context, days int) ([]ErrorBucket, error) {
	rows, err := a.ledger.DB().QueryContext(ctx,
		`SELECT error_kind, COUNT(*), MAX(error_message) FROM operations
		 WHERE started_at >= ? AND success = 0 AND error_kind != ''
		 GROUP BY error_kind ORDER BY COUNT(*) DESC`, since(days))
	if err != nil {
		return nil, errs.New("metrics.ErrorAnalysis", errs.StorageFault, err)
	}
	defer rows.Close()

	var out []ErrorBucket
	for rows.Next() {
		var b ErrorBucket
		if err := rows.Scan(&b.ErrorKind, &b.Count, &b.ExampleMessage); err != nil {
			return nil, errs.New("metrics.ErrorAnalysis", errs.StorageFault, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IssueStats summarizes issue_processing facts over the window.
type IssueStats struct {
	Processed int
	ByAction  map[string]int
}

func (a *Analytics) IssueStats(ctx context.Context, days int) (IssueStats, error) {
	rows, err := a.ledger.DB().QueryContext(ctx,
		`SELECT action, COUNT(*) FROM issue_processing WHERE recorded_at >= ? GROUP BY action`, since(days))
	if err != nil {
		return IssueStats{}, errs.New("metrics.IssueStats", errs.StorageFault, err)
	}
	defer rows.Close()

	stats := IssueStats{ByAction: make(map[string]int)}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			return IssueStats{}, errs.New("metrics.IssueStats", errs.StorageFault, err)
		}
		stats.ByAction[action] = count
		stats.Processed += count
	}
	return stats, rows.Err()
}

// PRStats summarizes pr_management facts over the window.
type PRStats struct {
	Total        int
	Merged       int
	MeanCIFailed float64 // placeholder hook: callers supplying CI data populate via context, not tracked here
}

func (a *Analytics) PRStats(ctx context.Context, days int) (PRStats, error) {
	var stats PRStats
	err := a.ledger.DB().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(merged), 0) FROM pr_management WHERE recorded_at >= ?`,
		since(days)).Scan(&stats.Total, &stats.Merged)
	if err != nil {
		return PRStats{}, errs.New("metrics.PRStats", errs.StorageFault, err)
	}
	return stats, nil
}

// ProviderModelCost is one row of CostAnalysis.ByProviderModel.
type ProviderModelCost struct {
	Provider string
	Model    string
	Cost     float64
	Tokens   int
}

// CostAnalysis summarizes code_generation facts over the window.
type CostAnalysis struct {
	TotalCost       float64
	TotalTokens     int
	ByProviderModel []ProviderModelCost
}

func (a *Analytics) CostAnalysis(ctx context.Context, days int) (CostAnalysis, error) {
	var out CostAnalysis
	err := a.ledger.DB().QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens + output_tokens), 0)
		 FROM code_generation WHERE recorded_at >= ?`, since(days)).Scan(&out.TotalCost, &out.TotalTokens)
	if err != nil {
		return CostAnalysis{}, errs.New("metrics.CostAnalysis", errs.StorageFault, err)
	}

	rows, err := a.ledger.DB().QueryContext(ctx,
		`SELECT provider, model, COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens + output_tokens), 0)
		 FROM code_generation WHERE recorded_at >= ? GROUP BY provider, model ORDER BY SUM(cost_usd) DESC`,
		since(days))
	if err != nil {
		return CostAnalysis{}, errs.New("metrics.CostAnalysis", errs.StorageFault, err)
	}
	defer rows.Close()
	for rows.Next() {
		var row ProviderModelCost
		if err := rows.Scan(&row.Provider, &row.Model, &row.Cost, &row.Tokens); err != nil {
			return CostAnalysis{}, errs.New("metrics.CostAnalysis", errs.StorageFault, err)
		}
		out.ByProviderModel = append(out.ByProviderModel, row)
	}
	return out, rows.Err()
}

// Insight is one pattern-of-concern with a human-readable recommendation.
type Insight struct {
	Kind           string
	Recommendation string
}

// InsightsGenerator layers recommendations on top of the raw aggregations.
type InsightsGenerator struct {
	a *Analytics
}

// NewInsightsGenerator returns a generator over a.
func NewInsightsGenerator(a *Analytics) *InsightsGenerator {
	return &InsightsGenerator{a: a}
}

// Generate evaluates every configured threshold and returns the insights
// that fired, ordered by the fixed priority below (recurring-error first).
func (g *InsightsGenerator) Generate(ctx context.Context, days int) ([]Insight, error) {
	var insights []Insight

	errBuckets, err := g.a.ErrorAnalysis(ctx, days)
	if err != nil {
		return nil, err
	}
	sort.Slice(errBuckets, func(i, j int) bool { return errBuckets[i].Count > errBuckets[j].Count })
	for _, b := range errBuckets {
		if b.Count > 5 {
			insights = append(insights, Insight{
				Kind:           "recurring-error",
				Recommendation: fmt.Sprintf("%s has recurred %d times in the last %d days; investigate root cause", b.ErrorKind, b.Count, days),
			})
		}
	}

	rate, err := g.a.SuccessRate(ctx, "", days)
	if err != nil {
		return nil, err
	}
	if rate < 0.70 {
		insights = append(insights, Insight{
			Kind:           "low-success",
			Recommendation: fmt.Sprintf("success rate is %.0f%%, below the 70%% threshold", rate*100),
		})
	}

	prStats, err := g.a.PRStats(ctx, days)
	if err != nil {
		return nil, err
	}
	if prStats.MeanCIFailed > 2 {
		insights = append(insights, Insight{
			Kind:           "high-ci-failures",
			Recommendation: fmt.Sprintf("mean CI failures per PR is %.1f, above the threshold of 2", prStats.MeanCIFailed),
		})
	}

	cost, err := g.a.CostAnalysis(ctx, days)
	if err != nil {
		return nil, err
	}
	if cost.TotalCost > 100 {
		insights = append(insights, Insight{
			Kind:           "cost-outlier",
			Recommendation: fmt.Sprintf("spend over the last %d days is $%.2f, above the $100 threshold", days, cost.TotalCost),
		})
	}

	// Merge latency uses the ManagePR operation kind's own duration as a
	// proxy for time-to-merge; guard's complexity score is ephemeral (never
	// persisted to the ledger), so no mean-complexity insight is computed here.
	mergeSeconds, err := g.a.AverageDuration(ctx, "ManagePR", days)
	if err != nil {
		return nil, err
	}
	if mergeSeconds > 24*3600 {
		insights = append(insights, Insight{
			Kind:           "slow-merges",
			Recommendation: fmt.Sprintf("mean PR merge time is %.1f hours, above the 24 hour threshold", mergeSeconds/3600),
		})
	}

	return insights, nil
}
