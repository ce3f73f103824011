// Package confirm implements stage 5: the confirmation gate for high-risk
// tools. The decision source is kept abstract per the spec's open question
// (the concrete approval channel is out of scope); Decider is the pluggable
// capability every stage-5 implementation consumes, and ManualGate is the
// one concrete implementation shipped here, generalized from the teacher's
// Matrix-command approval workflow to gate tool invocations instead of
// chat commands.
package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of awaiting a confirmation.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionTimeout Decision = "timeout"
)

// Decider is the abstract capability stage 5 consumes. Implementations may
// be backed by anything that can eventually resolve a pending correlation:
// an admin CLI, a future chat integration, or (in tests) an
// immediately-resolving stub.
type Decider interface {
	AwaitDecision(ctx context.Context, correlation, tool string, args json.RawMessage, timeout time.Duration) (Decision, error)
}

// Status is the lifecycle state of one pending approval.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// DefaultTTL bounds how long a pending approval waits before expiring.
const DefaultTTL = 24 * time.Hour

// Approval is a pending or resolved confirmation request.
type Approval struct {
	ID            string
	Correlation   string
	Tool          string
	ArgsJSON      json.RawMessage
	Status        Status
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ResolvedAt    *time.Time
	ResolvedBy    string
	ResolveReason string

	resolved chan Decision
}

// IsExpired reports whether a returns true if the approval has passed its
// deadline without being resolved.
func (a *Approval) IsExpired(now time.Time) bool {
	return a.Status == StatusPending && now.After(a.ExpiresAt)
}

// ManualGate holds pending approvals in memory and blocks AwaitDecision
// until an operator calls Resolve, the context is cancelled, or the
// timeout elapses.
type ManualGate struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	byID          map[string]*Approval
	byCorrelation map[string]*Approval
}

// NewManualGate creates a gate with the given approval TTL. A zero ttl uses
// DefaultTTL.
func NewManualGate(ttl time.Duration) *ManualGate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ManualGate{
		ttl:           ttl,
		now:           time.Now,
		byID:          make(map[string]*Approval),
		byCorrelation: make(map[string]*Approval),
	}
}

// AwaitDecision registers a pending approval for correlation (if one does
// not already exist) and blocks until Resolve is called, the context is
// cancelled, or timeout elapses.
func (g *ManualGate) AwaitDecision(ctx context.Context, correlation, tool string, args json.RawMessage, timeout time.Duration) (Decision, error) {
	approval := g.pendingFor(correlation, tool, args)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-approval.resolved:
		return d, nil
	case <-timer.C:
		g.expire(approval.ID)
		return DecisionTimeout, nil
	case <-ctx.Done():
		return DecisionTimeout, ctx.Err()
	}
}

func (g *ManualGate) pendingFor(correlation, tool string, args json.RawMessage) *Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	if a, ok := g.byCorrelation[correlation]; ok {
		return a
	}

	now := g.now()
	a := &Approval{
		ID:          uuid.NewString(),
		Correlation: correlation,
		Tool:        tool,
		ArgsJSON:    args,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
		resolved:    make(chan Decision, 1),
	}
	g.byID[a.ID] = a
	g.byCorrelation[correlation] = a
	return a
}

// Resolve records an operator's decision for the pending approval
// identified by id and unblocks its AwaitDecision call.
func (g *ManualGate) Resolve(id string, approve bool, resolvedBy, reason string) error {
	g.mu.Lock()
	a, ok := g.byID[id]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("confirm: no pending approval %q", id)
	}

	g.mu.Lock()
	if a.Status != StatusPending {
		g.mu.Unlock()
		return fmt.Errorf("confirm: approval %q already resolved as %s", id, a.Status)
	}
	now := g.now()
	a.ResolvedAt = &now
	a.ResolvedBy = resolvedBy
	a.ResolveReason = reason
	decision := DecisionDeny
	a.Status = StatusDenied
	if approve {
		decision = DecisionApprove
		a.Status = StatusApproved
	}
	g.mu.Unlock()

	a.resolved <- decision
	return nil
}

// Cancel marks a pending approval cancelled without resolving it as
// approved or denied.
func (g *ManualGate) Cancel(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.byID[id]
	if !ok {
		return fmt.Errorf("confirm: no pending approval %q", id)
	}
	if a.Status != StatusPending {
		return fmt.Errorf("confirm: approval %q already resolved as %s", id, a.Status)
	}
	a.Status = StatusCancelled
	return nil
}

func (g *ManualGate) expire(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.byID[id]; ok && a.Status == StatusPending {
		a.Status = StatusExpired
	}
}

// Pending returns all approvals currently awaiting a decision.
func (g *ManualGate) Pending() []*Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Approval
	for _, a := range g.byID {
		if a.Status == StatusPending {
			out = append(out, a)
		}
	}
	return out
}
