// Package approval is the Approval Workflow (C11): an async
// request/decide/expire state machine for operations whose risk requires a
// human in the loop. Each pending request waits on its own channel, raced
// against a deadline timer, mirroring the ticker/timeout/ctx select shape
// the rest of this codebase uses for long-running monitors.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/antigravity-dev/reflexor/internal/risk"
)

// RiskAssessor is the subset of risk.Assessor's contract this package needs,
// narrowed to an interface so tests can stub it.
type RiskAssessor interface {
	Assess(ctx context.Context, operationKind, operationDescription, freeformContext string) risk.Assessment
}

// Decision is the terminal outcome of a request, however it got there.
type Decision struct {
	RequestID   string
	Approved    bool
	AutoApproved bool
	RiskLevel   risk.Level
	Rationale   string
	DecidedBy   string
	DecidedAt   time.Time
}

// request is the internal bookkeeping for one pending approval.
type request struct {
	id        string
	operation string
	context   string
	riskLevel risk.Level
	createdAt time.Time
	deadline  time.Time
	decision  chan Decision
}

// NotifyFunc is called whenever a request is enqueued for human review.
type NotifyFunc func(requestID, operation string, level risk.Level)

// Workflow is the C11 state machine.
type Workflow struct {
	mu                 sync.Mutex
	pending            map[string]*request
	assessor           RiskAssessor
	clock              clock.Clock
	autoApproveLowRisk bool
	defaultTimeout      time.Duration
	notify             NotifyFunc
}

// New returns a Workflow. defaultTimeout defaults to 24h when zero.
func New(assessor RiskAssessor, autoApproveLowRisk bool, defaultTimeout time.Duration, cl clock.Clock, notify NotifyFunc) *Workflow {
	if defaultTimeout <= 0 {
		defaultTimeout = 24 * time.Hour
	}
	if cl == nil {
		cl = clock.New()
	}
	if notify == nil {
		notify = func(string, string, risk.Level) {}
	}
	return &Workflow{
		pending:            make(map[string]*request),
		assessor:           assessor,
		clock:              cl,
		autoApproveLowRisk: autoApproveLowRisk,
		defaultTimeout:     defaultTimeout,
		notify:             notify,
	}
}

// fallbackRisk is the non-multi-agent risk rule table: an operation kind
// exactly equal to one of the cases below is conservatively treated as the
// given level.
func fallbackRisk(operationKind string) risk.Level {
	switch operationKind {
	case "DatabaseMigration", "SecurityChange", "ProtectedFileAccess":
		return risk.High
	case "BreakingChange", "ComplexChange":
		return risk.Medium
	default:
		return risk.Low
	}
}

// RequestApproval runs the full C11 flow: assess risk, auto-approve LOW risk
// when configured, otherwise enqueue and block until Approve/Deny or the
// timeout deadline, whichever comes first.
func (w *Workflow) RequestApproval(ctx context.Context, operation, operationContext string, timeout time.Duration, useMultiAgent bool) Decision {
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}

	var level risk.Level
	var rationale string
	if useMultiAgent && w.assessor != nil {
		assessment := w.assessor.Assess(ctx, operation, operationContext, "")
		level = assessment.Level
		rationale = assessment.Rationale
	} else {
		level = fallbackRisk(operation)
		rationale = "fallback rule table (multi-agent assessment disabled)"
	}

	now := w.clock.Now()
	if w.autoApproveLowRisk && level == risk.Low {
		return Decision{
			RequestID:    uuid.NewString(),
			Approved:     true,
			AutoApproved: true,
			RiskLevel:    level,
			Rationale:    rationale,
			DecidedBy:    "system",
			DecidedAt:    now,
		}
	}

	id := uuid.NewString()
	r := &request{
		id:        id,
		operation: operation,
		context:   operationContext,
		riskLevel: level,
		createdAt: now,
		deadline:  now.Add(timeout),
		decision:  make(chan Decision, 1),
	}

	w.mu.Lock()
	w.pending[id] = r
	w.mu.Unlock()

	w.notify(id, operation, level)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-r.decision:
		return d
	case <-timer.C:
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return Decision{
			RequestID: id,
			Approved:  false,
			RiskLevel: level,
			Rationale: "request timed out awaiting human approval",
			DecidedBy: "system",
			DecidedAt: w.clock.Now(),
		}
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return Decision{
			RequestID: id,
			Approved:  false,
			RiskLevel: level,
			Rationale: "context cancelled while awaiting human approval",
			DecidedBy: "system",
			DecidedAt: w.clock.Now(),
		}
	}
}

// Approve resolves a pending request as approved. Returns false if id is
// missing or already past its deadline.
func (w *Workflow) Approve(id, decidedBy, rationale string) bool {
	return w.decide(id, true, decidedBy, rationale)
}

// Deny resolves a pending request as denied. Returns false if id is missing
// or already past its deadline.
func (w *Workflow) Deny(id, decidedBy, rationale string) bool {
	return w.decide(id, false, decidedBy, rationale)
}

func (w *Workflow) decide(id string, approved bool, decidedBy, rationale string) bool {
	w.mu.Lock()
	r, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	now := w.clock.Now()
	if now.After(r.deadline) {
		return false
	}
	r.decision <- Decision{
		RequestID: id,
		Approved:  approved,
		RiskLevel: r.riskLevel,
		Rationale: rationale,
		DecidedBy: decidedBy,
		DecidedAt: now,
	}
	return true
}

// PendingSummary is one row of CheckPendingApprovals' output.
type PendingSummary struct {
	ByRiskLevel    map[risk.Level]int
	ByOperation    map[string]int
	ExpiringSoon   []string // request ids with <1h remaining
	Total          int
}

// CheckPendingApprovals prunes expired entries (they remain pending forever
// otherwise, since RequestApproval itself owns the timeout timer only while
// its caller is still waiting) and summarizes what remains.
func (w *Workflow) CheckPendingApprovals() PendingSummary {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	summary := PendingSummary{ByRiskLevel: make(map[risk.Level]int), ByOperation: make(map[string]int)}
	for id, r := range w.pending {
		if now.After(r.deadline) {
			delete(w.pending, id)
			continue
		}
		summary.Total++
		summary.ByRiskLevel[r.riskLevel]++
		summary.ByOperation[r.operation]++
		if r.deadline.Sub(now) < time.Hour {
			summary.ExpiringSoon = append(summary.ExpiringSoon, id)
		}
	}
	return summary
}
