// Package costtracker accumulates provider spend per (provider, operation
// type) and raises a configured callback when a budget threshold is
// crossed (C10).
package costtracker

import (
	"regexp"
	"strconv"
	"sync"
)

// Usage holds a parsed or estimated input/output token count for one call.
type Usage struct {
	Input  int
	Output int
}

var (
	tokenRe  = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)
	inputRe  = regexp.MustCompile(`Input tokens: (\d+)`)
	outputRe = regexp.MustCompile(`Output tokens: (\d+)`)
)

// ExtractUsage parses token counts out of a provider's raw output, falling
// back to a rough length-based estimate when the provider didn't report
// them in a recognized format.
func ExtractUsage(output, prompt string) Usage {
	var u Usage
	if m := tokenRe.FindStringSubmatch(output); len(m) == 3 {
		u.Input, _ = strconv.Atoi(m[1])
		u.Output, _ = strconv.Atoi(m[2])
	} else {
		if m := inputRe.FindStringSubmatch(output); len(m) == 2 {
			u.Input, _ = strconv.Atoi(m[1])
		}
		if m := outputRe.FindStringSubmatch(output); len(m) == 2 {
			u.Output, _ = strconv.Atoi(m[1])
		}
	}
	if u.Input == 0 {
		u.Input = estimateTokens(prompt)
	}
	if u.Output == 0 {
		u.Output = estimateTokens(output)
	}
	return u
}

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// Cost converts a token Usage into USD given per-million-token prices.
func Cost(usage Usage, inputPricePerMtok, outputPricePerMtok float64) float64 {
	return (float64(usage.Input)/1_000_000.0)*inputPricePerMtok +
		(float64(usage.Output)/1_000_000.0)*outputPricePerMtok
}

// Key identifies one accumulation bucket.
type Key struct {
	Provider      string
	OperationType string
}

// ThresholdFunc is invoked once per bucket, the first time that bucket's
// accumulated spend crosses a configured budget threshold, so callers can
// alert or throttle further spend.
type ThresholdFunc func(key Key, spent, budget float64)

// Tracker accumulates spend per (provider, operation_type) bucket and
// checks it against per-bucket budgets.
type Tracker struct {
	mu        sync.Mutex
	spent     map[Key]float64
	budgets   map[Key]float64
	onCross   ThresholdFunc
	crossed   map[Key]bool
}

// New builds a Tracker. onCross may be nil if no alerting is needed.
func New(onCross ThresholdFunc) *Tracker {
	return &Tracker{
		spent:   make(map[Key]float64),
		budgets: make(map[Key]float64),
		crossed: make(map[Key]bool),
		onCross: onCross,
	}
}

// SetBudget configures the USD budget for one (provider, operationType) bucket.
func (t *Tracker) SetBudget(provider, operationType string, budget float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[Key{Provider: provider, OperationType: operationType}] = budget
}

// Record adds cost to a bucket and fires the threshold callback the first
// time the bucket's cumulative spend reaches its budget.
func (t *Tracker) Record(provider, operationType string, cost float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := Key{Provider: provider, OperationType: operationType}
	t.spent[key] += cost
	spent := t.spent[key]

	if budget, ok := t.budgets[key]; ok && budget > 0 && spent >= budget && !t.crossed[key] {
		t.crossed[key] = true
		if t.onCross != nil {
			t.onCross(key, spent, budget)
		}
	}
	return spent
}

// Total returns accumulated spend for one bucket.
func (t *Tracker) Total(provider, operationType string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent[Key{Provider: provider, OperationType: operationType}]
}

// GrandTotal sums spend across every bucket.
func (t *Tracker) GrandTotal() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, v := range t.spent {
		total += v
	}
	return total
}
