// Package gate is the Gatekeeper: the pure policy engine that decides whether
// a ModificationRequest may change live state. It never writes; callers
// persist its Evaluation inside the State Store's transaction.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/policy"
	"github.com/ashita-ai/dualcommit/internal/precedent"
)

// Prior is a decision already recorded for a replay key, with the payload
// hash of the request it decided.
type Prior struct {
	RequestID   string
	Decision    model.Decision
	PayloadHash string
}

// Snapshot is the read-only view of store state the Gatekeeper evaluates
// against. It is taken under the transaction lock.
type Snapshot interface {
	Sequence() uint64
	PriorDecision(ctx context.Context, req model.ModificationRequest) (Prior, bool, error)
}

// PrecedentChecker looks up ratified decisions. *precedent.Checker implements it.
type PrecedentChecker interface {
	Check(ctx context.Context, q precedent.Query) (precedent.Result, error)
}

// Evaluation is the Gatekeeper's output. Events is non-empty only for an
// approved decision. ReplayOf names the original request when the decision
// was replayed from a prior submission. Unrecorded marks a fresh decision
// whose replay key already belongs to another request; it is returned to
// the caller but must not be stored.
type Evaluation struct {
	Decision   model.Decision
	Events     []model.Event
	ReplayOf   string
	Unrecorded bool
}

// Replayed reports whether the decision was returned from a prior submission.
func (e Evaluation) Replayed() bool { return e.ReplayOf != "" }

// Gatekeeper evaluates requests against policy and precedent.
type Gatekeeper struct {
	policy    *policy.Policy
	precedent PrecedentChecker
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithClock overrides the time source used for decisions and events.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

// WithPrecedent sets the precedent checker. Without one, requests that no
// routine rule covers always go to a human.
func WithPrecedent(c PrecedentChecker) Option {
	return func(g *Gatekeeper) { g.precedent = c }
}

// New returns a Gatekeeper for p.
func New(p *policy.Policy, logger *slog.Logger, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{policy: p, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the policy the Gatekeeper enforces.
func (g *Gatekeeper) Policy() *policy.Policy { return g.policy }

// Validate decides req against snap. The first matching rule wins:
// protected target, replay, sequence, authority, routine rule or precedent,
// and finally human review. Every policy outcome is a Decision. Errors are
// infrastructure failures, or model.ErrReplayMismatch when a replay key
// arrives with a payload other than the one it first decided.
func (g *Gatekeeper) Validate(ctx context.Context, req model.ModificationRequest, snap Snapshot) (Evaluation, error) {
	now := g.now()

	prior, found, err := snap.PriorDecision(ctx, req)
	if err != nil {
		return Evaluation{}, fmt.Errorf("gate: prior decision: %w", err)
	}

	samePayload := false
	if found {
		h, err := req.PayloadHash()
		if err != nil {
			return Evaluation{}, fmt.Errorf("gate: %w", err)
		}
		samePayload = h == prior.PayloadHash
	}

	if g.policy.IsProtected(req.Target) {
		// Only a recorded HALT of this same payload replays.
		if found && samePayload && prior.Decision.Type == model.DecisionHalt {
			return g.replay(req, prior), nil
		}
		ev := g.decide(req, model.NewDecision(model.DecisionHalt, model.CodeProtectedTarget,
			fmt.Sprintf("target %q is protected; changes require a policy change and explicit escalation", req.Target), now))
		ev.Unrecorded = found
		return ev, nil
	}

	if found {
		if !samePayload {
			return Evaluation{}, fmt.Errorf("%w: key %q already decided request %s",
				model.ErrReplayMismatch, req.ReplayKey(), prior.RequestID)
		}
		return g.replay(req, prior), nil
	}

	current := snap.Sequence()
	if req.Sequence != current+1 {
		return g.decide(req, model.NewDecision(model.DecisionRejected, model.CodeSequenceConflict,
			fmt.Sprintf("sequence conflict: expected %d, got %d", current+1, req.Sequence), now)), nil
	}

	if !g.policy.Known(req.Authority) {
		return g.decide(req, model.NewDecision(model.DecisionRejected, model.CodeUnknownAuthority,
			fmt.Sprintf("unknown authority %q", req.Authority), now)), nil
	}

	rule, ruled, err := g.policy.MatchRule(req)
	if err != nil {
		return Evaluation{}, fmt.Errorf("gate: %w", err)
	}
	if ruled && !g.policy.AtLeast(req.Authority, rule.MinAuthority) {
		return g.decide(req, model.NewDecision(model.DecisionRejected, model.CodeInsufficientAuthority,
			fmt.Sprintf("authority %s is below %s required for %s", req.Authority, rule.MinAuthority, req.Target), now)), nil
	}

	if ruled && rule.Routine {
		d := model.NewDecision(model.DecisionAutoApprove, model.CodeRoutinePolicy,
			fmt.Sprintf("routine %s change to %s by %s", req.ModType, req.Target, req.Authority), now)
		return g.approve(req, d, now), nil
	}

	if g.precedent != nil {
		res, err := g.precedent.Check(ctx, precedent.QueryForRequest(req))
		if err != nil {
			return Evaluation{}, fmt.Errorf("gate: precedent: %w", err)
		}
		switch res.Verdict {
		case precedent.VerdictAutoApprove:
			d := model.NewDecision(model.DecisionAutoApprove, model.CodeLocalPrecedent, res.Reason, now)
			d.PrecedentRef, d.PrecedentSource = res.MatchedCommit, res.Source
			return g.approve(req, d, now), nil
		case precedent.VerdictDistributed:
			d := model.NewDecision(model.DecisionDistributed, model.CodeNeighborPrecedent, res.Reason, now)
			d.PrecedentRef, d.PrecedentSource = res.MatchedCommit, res.Source
			return g.approve(req, d, now), nil
		case precedent.VerdictNovel:
		}
	}

	return g.decide(req, model.NewDecision(model.DecisionPendingHuman, model.CodeAwaitingRatification,
		fmt.Sprintf("no routine rule or precedent covers %s %s; awaiting human ratification", req.ModType, req.Target), now)), nil
}

func (g *Gatekeeper) replay(req model.ModificationRequest, prior Prior) Evaluation {
	g.logger.Debug("gate: replay", "request_id", req.RequestID, "replay_of", prior.RequestID, "decision", prior.Decision.Type)
	return Evaluation{Decision: prior.Decision, ReplayOf: prior.RequestID}
}

func (g *Gatekeeper) approve(req model.ModificationRequest, d model.Decision, now time.Time) Evaluation {
	ev := g.decide(req, d)
	ev.Events = []model.Event{model.EventFromRequest(req, now)}
	return ev
}

func (g *Gatekeeper) decide(req model.ModificationRequest, d model.Decision) Evaluation {
	g.logger.Debug("gate: decision",
		"request_id", req.RequestID,
		"target", req.Target,
		"authority", req.Authority,
		"decision", d.Type,
		"code", d.Code,
	)
	return Evaluation{Decision: d}
}
