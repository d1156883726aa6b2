// Package pattern is the Pattern Detector (C5): it groups failed operations
// by (Kind, ErrorKind) signature, scores each group's severity by failure
// density, and decides which groups are worth a learning cycle.
package pattern

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/reflexor/internal/errs"
	"github.com/antigravity-dev/reflexor/internal/ledger"
)

// Severity is a FailurePattern's computed urgency.
type Severity int

const (
	Low Severity = iota
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// FailurePattern is one (Kind, ErrorKind) signature that recurred within the
// lookback window.
type FailurePattern struct {
	ID               string
	Kind             string
	ErrorKind        string
	OccurrenceCount  int
	FirstSeen        time.Time
	LastSeen         time.Time
	FailureExamples  []ledger.Operation
	SuccessExamples  []ledger.Operation
	CommonAttributes map[string]any
	Severity         Severity
}

// Detector detects and scores failure patterns over C1.
type Detector struct {
	ledger         *ledger.Ledger
	minOccurrences int
	lookbackDays   int
}

// New returns a Detector. minOccurrences and lookbackDays default to 3 and
// 30 respectively when zero.
func New(l *ledger.Ledger, minOccurrences, lookbackDays int) *Detector {
	if minOccurrences <= 0 {
		minOccurrences = 3
	}
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	return &Detector{ledger: l, minOccurrences: minOccurrences, lookbackDays: lookbackDays}
}

func severityForDensity(density float64) Severity {
	switch {
	case density >= 5:
		return Critical
	case density >= 2:
		return High
	case density >= 0.5:
		return Medium
	default:
		return Low
	}
}

// DetectPatterns fetches failed operations in the window, groups them by
// (Kind, ErrorKind), and returns one FailurePattern per group that meets
// minOccurrences, ordered by severity descending then occurrence count
// descending (ties broken by the later LastSeen).
func (d *Detector) DetectPatterns(ctx context.Context) ([]FailurePattern, error) {
	since := time.Now().UTC().AddDate(0, 0, -d.lookbackDays)
	failures, err := d.ledger.Query(ctx, ledger.QueryOptions{Since: since, OnlyFailed: true})
	if err != nil {
		return nil, errs.New("pattern.DetectPatterns", errs.StorageFault, err)
	}

	type group struct {
		kind, errKind string
		ops           []ledger.Operation
	}
	groups := make(map[string]*group)
	var order []string
	for _, op := range failures {
		kind := op.Kind
		errKind := op.ErrorKind
		if errKind == "" {
			errKind = "unknown"
		}
		key := kind + "|" + errKind
		g, ok := groups[key]
		if !ok {
			g = &group{kind: kind, errKind: errKind}
			groups[key] = g
			order = append(order, key)
		}
		g.ops = append(g.ops, op)
	}

	var patterns []FailurePattern
	for _, key := range order {
		g := groups[key]
		if len(g.ops) < d.minOccurrences {
			continue
		}

		first, last := g.ops[0].StartedAt, g.ops[0].StartedAt
		for _, op := range g.ops {
			if op.StartedAt.Before(first) {
				first = op.StartedAt
			}
			if op.StartedAt.After(last) {
				last = op.StartedAt
			}
		}

		successes, err := d.successExamples(ctx, g.kind, first)
		if err != nil {
			return nil, err
		}

		daysSpanned := last.Sub(first).Hours() / 24
		if daysSpanned < 0.1 {
			daysSpanned = 0.1
		}
		density := float64(len(g.ops)) / daysSpanned

		examples := g.ops
		if len(examples) > 10 {
			examples = examples[:10]
		}

		patterns = append(patterns, FailurePattern{
			ID:               key,
			Kind:             g.kind,
			ErrorKind:        g.errKind,
			OccurrenceCount:  len(g.ops),
			FirstSeen:        first,
			LastSeen:         last,
			FailureExamples:  examples,
			SuccessExamples:  successes,
			CommonAttributes: commonAttributes(g.ops),
			Severity:         severityForDensity(density),
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Severity != patterns[j].Severity {
			return patterns[i].Severity > patterns[j].Severity
		}
		if patterns[i].OccurrenceCount != patterns[j].OccurrenceCount {
			return patterns[i].OccurrenceCount > patterns[j].OccurrenceCount
		}
		return patterns[i].LastSeen.After(patterns[j].LastSeen)
	})
	return patterns, nil
}

func (d *Detector) successExamples(ctx context.Context, kind string, since time.Time) ([]ledger.Operation, error) {
	ops, err := d.ledger.Query(ctx, ledger.QueryOptions{Kind: kind, Since: since, Limit: 50})
	if err != nil {
		return nil, errs.New("pattern.successExamples", errs.StorageFault, err)
	}
	var out []ledger.Operation
	for _, op := range ops {
		if op.Success == nil || !*op.Success {
			continue
		}
		out = append(out, op)
		if len(out) == 5 {
			break
		}
	}
	return out, nil
}

func commonAttributes(ops []ledger.Operation) map[string]any {
	prefixCounts := make(map[string]int)
	totalRetries := 0
	for _, op := range ops {
		prefix := modalPrefix(op.ErrorMessage, 10)
		prefixCounts[prefix]++
		totalRetries += op.RetryCount
	}
	var modal string
	best := 0
	for prefix, count := range prefixCounts {
		if count > best {
			best = count
			modal = prefix
		}
	}
	return map[string]any{
		"modal_error_prefix": modal,
		"mean_retry_count":   float64(totalRetries) / float64(len(ops)),
	}
}

func modalPrefix(msg string, words int) string {
	fields := strings.Fields(msg)
	if len(fields) > words {
		fields = fields[:words]
	}
	return strings.Join(fields, " ")
}

// ShouldTriggerLearning reports whether p warrants a learning cycle: its
// severity is High/Critical, or it is persistent (spans at least 3 days and
// meets minOccurrences).
func (d *Detector) ShouldTriggerLearning(p FailurePattern) bool {
	if p.Severity == High || p.Severity == Critical {
		return true
	}
	spanDays := p.LastSeen.Sub(p.FirstSeen).Hours() / 24
	return spanDays >= 3 && p.OccurrenceCount >= d.minOccurrences
}
