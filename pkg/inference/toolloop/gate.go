package toolloop

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionDeny    DecisionKind = "deny"
	DecisionModify  DecisionKind = "modify"
)

var (
	ErrNoPendingApproval = errors.New("no pending approval for tool call")
	ErrApprovalTimeout   = errors.New("approval timed out")
	ErrApprovalCancelled = errors.New("approval cancelled")
)

// Decision is a user's answer to an approval request. Arguments replaces the
// call's arguments for DecisionModify. Response is recorded verbatim in the
// executed arguments.
type Decision struct {
	Kind      DecisionKind    `json:"decision"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

func (d Decision) Approved() bool {
	return d.Kind == DecisionApprove || d.Kind == DecisionModify
}

// ApprovalRequest describes a tool call held for approval.
type ApprovalRequest struct {
	ThreadID    string          `json:"threadId,omitempty"`
	ToolCallID  string          `json:"toolCallId"`
	ToolName    string          `json:"toolName"`
	Arguments   json.RawMessage `json:"arguments"`
	RequestedAt time.Time       `json:"requestedAt"`
}

// Approver produces a decision for a held tool call. Await blocks until a
// decision is available or ctx is done.
type Approver interface {
	Await(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// AutoApprover answers every request with the same decision.
type AutoApprover struct {
	Kind DecisionKind
}

func (a AutoApprover) Await(_ context.Context, _ ApprovalRequest) (Decision, error) {
	k := a.Kind
	if k == "" {
		k = DecisionApprove
	}
	return Decision{Kind: k}, nil
}

type waiter struct {
	req ApprovalRequest
	ch  chan Decision
}

// Gate holds tool calls until some other party, usually an HTTP handler or a
// terminal prompt, decides them.
type Gate struct {
	mu      sync.Mutex
	waiters map[string]*waiter // keyed by tool call id
	timeout time.Duration
	notify  func(ApprovalRequest)
}

var _ Approver = (*Gate)(nil)

type GateOption func(*Gate)

// WithApprovalTimeout denies requests that were not decided in time.
func WithApprovalTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithRequestNotifier is called, outside the lock, whenever a request starts
// waiting.
func WithRequestNotifier(f func(ApprovalRequest)) GateOption {
	return func(g *Gate) { g.notify = f }
}

func NewGate(opts ...GateOption) *Gate {
	g := &Gate{waiters: map[string]*waiter{}}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Await registers req and blocks until Decide is called for its tool call,
// the timeout elapses, or ctx is cancelled.
func (g *Gate) Await(ctx context.Context, req ApprovalRequest) (Decision, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	w := &waiter{req: req, ch: make(chan Decision, 1)}

	g.mu.Lock()
	if _, exists := g.waiters[req.ToolCallID]; exists {
		g.mu.Unlock()
		return Decision{}, errors.Errorf("tool call %s is already awaiting approval", req.ToolCallID)
	}
	g.waiters[req.ToolCallID] = w
	g.mu.Unlock()

	if g.notify != nil {
		g.notify(req)
	}

	var timeout <-chan time.Time
	if g.timeout > 0 {
		t := time.NewTimer(g.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d, ok := <-w.ch:
		if !ok {
			return Decision{}, ErrApprovalCancelled
		}
		return d, nil
	case <-timeout:
		g.remove(req.ToolCallID, w)
		return Decision{Kind: DecisionDeny, Reason: ErrApprovalTimeout.Error()}, ErrApprovalTimeout
	case <-ctx.Done():
		g.remove(req.ToolCallID, w)
		return Decision{}, ctx.Err()
	}
}

func (g *Gate) remove(id string, w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waiters[id] == w {
		delete(g.waiters, id)
	}
}

// Decide resolves the pending request for toolCallID. Each request can be
// decided once.
func (g *Gate) Decide(toolCallID string, d Decision) error {
	switch d.Kind {
	case DecisionApprove, DecisionDeny, DecisionModify:
	default:
		return errors.Errorf("unknown decision %q", d.Kind)
	}
	g.mu.Lock()
	w, ok := g.waiters[toolCallID]
	if ok {
		delete(g.waiters, toolCallID)
	}
	g.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNoPendingApproval, toolCallID)
	}
	w.ch <- d
	return nil
}

// Pending lists the requests waiting for a decision, oldest first.
func (g *Gate) Pending() []ApprovalRequest {
	g.mu.Lock()
	ret := make([]ApprovalRequest, 0, len(g.waiters))
	for _, w := range g.waiters {
		ret = append(ret, w.req)
	}
	g.mu.Unlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].RequestedAt.Before(ret[j].RequestedAt) })
	return ret
}

// CancelThread releases every request of a thread with ErrApprovalCancelled.
func (g *Gate) CancelThread(threadID string) {
	var toClose []chan Decision
	g.mu.Lock()
	for id, w := range g.waiters {
		if w.req.ThreadID == threadID {
			toClose = append(toClose, w.ch)
			delete(g.waiters, id)
		}
	}
	g.mu.Unlock()
	for _, ch := range toClose {
		close(ch)
	}
}
