// Package notify delivers governance events to registered hooks. Delivery
// happens after the originating transaction has committed, in a goroutine
// with its own timeout; a failing or slow hook can never change a decision.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// DefaultTimeout bounds one delivery to all hooks.
const DefaultTimeout = 10 * time.Second

// ProposalEventKind names a commit ledger lifecycle step.
type ProposalEventKind string

const (
	ProposalCreated  ProposalEventKind = "created"
	ProposalSettled  ProposalEventKind = "precedent"
	ProposalApproved ProposalEventKind = "approved"
	ProposalRejected ProposalEventKind = "rejected"
	ProposalApplied  ProposalEventKind = "applied"
)

// DecisionEvent is a recorded gate decision on a state modification.
// Resolution is set when a human has approved or rejected the request.
type DecisionEvent struct {
	Request    model.ModificationRequest `json:"request"`
	Decision   model.Decision            `json:"decision"`
	Resolution *model.Resolution         `json:"resolution,omitempty"`
	Sequence   uint64                    `json:"sequence"`
}

// ProposalEvent is a commit ledger lifecycle step.
type ProposalEvent struct {
	Kind          ProposalEventKind `json:"kind"`
	CommitID      string            `json:"commit_id"`
	Title         string            `json:"title,omitempty"`
	Proposer      string            `json:"proposer,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	MatchedCommit string            `json:"matched_commit,omitempty"`
	At            time.Time         `json:"at"`
}

// Hook receives governance events. Methods run in goroutines and must not
// block indefinitely; errors are logged and otherwise ignored.
type Hook interface {
	OnDecision(ctx context.Context, ev DecisionEvent) error
	OnProposal(ctx context.Context, ev ProposalEvent) error
}

// Dispatcher fans events out to hooks.
type Dispatcher struct {
	hooks   []Hook
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher returns a Dispatcher. A non-positive timeout means
// DefaultTimeout.
func NewDispatcher(logger *slog.Logger, timeout time.Duration, hooks ...Hook) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{hooks: hooks, logger: logger, timeout: timeout}
}

// Decision delivers ev asynchronously.
func (d *Dispatcher) Decision(ev DecisionEvent) {
	d.dispatch("OnDecision", func(ctx context.Context, h Hook) error { return h.OnDecision(ctx, ev) })
}

// Proposal delivers ev asynchronously.
func (d *Dispatcher) Proposal(ev ProposalEvent) {
	d.dispatch("OnProposal", func(ctx context.Context, h Hook) error { return h.OnProposal(ctx, ev) })
}

func (d *Dispatcher) dispatch(name string, call func(context.Context, Hook) error) {
	if d == nil || len(d.hooks) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		for _, h := range d.hooks {
			if err := call(ctx, h); err != nil {
				d.logger.Warn("notify: hook failed", "hook", name, "error", err)
			}
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
