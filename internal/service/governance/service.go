// Package governance provides the shared business logic behind every
// surface of the gate.
//
// The HTTP API, the MCP server and the dcctl CLI all delegate here so that
// decisions, ratifications, precedent recording, metrics and hook delivery
// behave the same whichever way a caller arrives.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/dualcommit/internal/gate"
	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/monitor"
	"github.com/ashita-ai/dualcommit/internal/notify"
	"github.com/ashita-ai/dualcommit/internal/precedent"
	"github.com/ashita-ai/dualcommit/internal/store"
	"github.com/ashita-ai/dualcommit/internal/telemetry"
)

// ErrNotRatifier is returned when an actor below the ratifier tier tries to
// approve or reject.
var ErrNotRatifier = errors.New("governance: authority may not ratify")

// Actor is the principal performing an operation.
type Actor struct {
	ID        string
	Authority model.Authority
}

// Deps holds the components a Service wires together. Precedent, Recorder,
// Hooks and Metrics may be nil.
type Deps struct {
	Store     *store.Store
	Gate      *gate.Gatekeeper
	Ledger    *ledger.Service
	Precedent gate.PrecedentChecker
	Recorder  precedent.Recorder
	Hooks     *notify.Dispatcher
	Metrics   *telemetry.GateMetrics
	Version   string
}

// Service is the gate's application service.
type Service struct {
	store     *store.Store
	gate      *gate.Gatekeeper
	ledger    *ledger.Service
	precedent gate.PrecedentChecker
	recorder  precedent.Recorder
	hooks     *notify.Dispatcher
	metrics   *telemetry.GateMetrics
	logger    *slog.Logger
	version   string
	started   time.Time
	now       func() time.Time
}

// New returns a Service over d.
func New(d Deps, logger *slog.Logger) *Service {
	return &Service{
		store:     d.Store,
		gate:      d.Gate,
		ledger:    d.Ledger,
		precedent: d.Precedent,
		recorder:  d.Recorder,
		hooks:     d.Hooks,
		metrics:   d.Metrics,
		logger:    logger,
		version:   d.Version,
		started:   time.Now(),
		now:       time.Now,
	}
}

// SetClock overrides the time source. For tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CanRatify reports whether a may approve or reject.
func (s *Service) CanRatify(a model.Authority) bool {
	return s.gate.Policy().CanRatify(a)
}

func (s *Service) requireRatifier(actor Actor) error {
	if !s.CanRatify(actor.Authority) {
		return fmt.Errorf("%w: %s is below %s", ErrNotRatifier, actor.Authority, s.gate.Policy().RatifierTier)
	}
	return nil
}

// Submit runs req through the gate and records the outcome.
func (s *Service) Submit(ctx context.Context, req model.ModificationRequest) (store.SubmitResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("dualcommit.target", req.Target),
		attribute.String("dualcommit.authority", string(req.Authority)),
	)

	res, err := s.store.Submit(ctx, s.gate, req)
	if err != nil {
		return store.SubmitResult{}, err
	}
	span.SetAttributes(
		attribute.String("dualcommit.decision", res.Decision.Type.String()),
		attribute.String("dualcommit.request_id", res.RequestID),
	)
	s.metrics.Decision(ctx, res.Decision.Type.String(), string(res.Decision.Code), res.Replayed)
	if !res.Replayed && !res.Decision.IsConflict() {
		s.hooks.Decision(notify.DecisionEvent{
			Request:  res.Request,
			Decision: res.Decision,
			Sequence: res.State.Sequence,
		})
	}
	return res, nil
}

// DecideRequest approves or rejects a pending request. An approval is
// recorded as precedent for future requests of the same kind.
func (s *Service) DecideRequest(ctx context.Context, actor Actor, requestID string, action model.HumanAction, reason string) (store.HumanActionResult, error) {
	if err := s.requireRatifier(actor); err != nil {
		return store.HumanActionResult{}, err
	}
	at := s.now()
	res, err := s.store.ProcessHumanAction(ctx, requestID, action, strings.TrimSpace(reason), at)
	if err != nil {
		return store.HumanActionResult{}, err
	}
	if res.AlreadyResolved {
		return res, nil
	}
	s.metrics.Ratification(ctx, "request", string(action))
	s.logger.Info("governance: request ratified",
		"request_id", requestID, "action", action, "actor", actor.ID, "status", res.Status)

	if res.Status == model.RequestApproved {
		s.record(ctx, precedent.EntryForRequest(res.Request, at))
	}
	rec, err := s.store.Request(ctx, requestID)
	if err != nil {
		s.logger.Warn("governance: reload resolved request", "request_id", requestID, "error", err)
		return res, nil
	}
	s.hooks.Decision(notify.DecisionEvent{
		Request:    rec.Request,
		Decision:   rec.Decision,
		Resolution: rec.Resolution,
		Sequence:   res.State.Sequence,
	})
	return res, nil
}

func (s *Service) record(ctx context.Context, e precedent.Entry) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		s.logger.Error("governance: record precedent", "id", e.ID, "error", err)
	}
}

// PendingRequests lists requests awaiting a human, oldest first.
func (s *Service) PendingRequests(ctx context.Context) ([]store.PendingRequest, error) {
	return s.store.Pending(ctx)
}

// Request returns one recorded request.
func (s *Service) Request(ctx context.Context, requestID string) (store.RequestRecord, error) {
	return s.store.Request(ctx, requestID)
}

// State returns the store head.
func (s *Service) State(ctx context.Context) (store.State, error) {
	return s.store.LoadState(ctx)
}

// Value returns the live value of target.
func (s *Service) Value(ctx context.Context, target string) (model.ValueResponse, error) {
	v, seq, err := s.store.Value(ctx, target)
	if err != nil {
		return model.ValueResponse{}, err
	}
	return model.ValueResponse{Target: target, Value: v, Sequence: seq}, nil
}

// Events lists applied events after the given sequence.
func (s *Service) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	return s.store.Events(ctx, after, limit)
}

// Verify audits the event hash chain.
func (s *Service) Verify(ctx context.Context) (store.VerifyReport, error) {
	report, err := s.store.Verify(ctx)
	if err != nil {
		return store.VerifyReport{}, err
	}
	if !report.Valid {
		s.logger.Error("governance: event chain verification failed",
			"first_bad_sequence", report.FirstBadSeq, "problem", report.Problem)
	}
	return report, nil
}

// CheckPrecedent looks up a ratified decision equivalent to q.
func (s *Service) CheckPrecedent(ctx context.Context, q precedent.Query) (precedent.Result, error) {
	if s.precedent == nil {
		return precedent.Result{Verdict: precedent.VerdictNovel, Reason: "no precedent ledger configured"}, nil
	}
	return s.precedent.Check(ctx, q)
}

// Propose files a code-change proposal, or reports the precedent that
// settles it.
func (s *Service) Propose(ctx context.Context, p model.Proposal) (ledger.CreateResult, error) {
	res, err := s.ledger.CreateProposal(ctx, p)
	if err != nil {
		return ledger.CreateResult{}, err
	}
	ev := notify.ProposalEvent{
		CommitID: res.CommitID,
		Title:    p.Title,
		Proposer: p.Proposer,
		Reason:   res.Reason,
		At:       s.now().UTC(),
	}
	if res.Created {
		ev.Kind = notify.ProposalCreated
	} else {
		ev.Kind = notify.ProposalSettled
		ev.MatchedCommit = res.MatchedCommit
	}
	s.hooks.Proposal(ev)
	return res, nil
}

// ApproveProposal ratifies a pending proposal.
func (s *Service) ApproveProposal(ctx context.Context, actor Actor, commitID string) (model.Proposal, error) {
	if err := s.requireRatifier(actor); err != nil {
		return model.Proposal{}, err
	}
	p, err := s.ledger.Approve(ctx, commitID)
	if err != nil {
		return model.Proposal{}, err
	}
	s.metrics.Ratification(ctx, "proposal", string(model.ActionApprove))
	s.hooks.Proposal(notify.ProposalEvent{Kind: notify.ProposalApproved, CommitID: commitID, Title: p.Title, Proposer: p.Proposer, At: s.now().UTC()})
	return p, nil
}

// RejectProposal rejects a pending proposal. The reason is required.
func (s *Service) RejectProposal(ctx context.Context, actor Actor, commitID, reason string) (model.Proposal, error) {
	if err := s.requireRatifier(actor); err != nil {
		return model.Proposal{}, err
	}
	p, err := s.ledger.Reject(ctx, commitID, reason)
	if err != nil {
		return model.Proposal{}, err
	}
	s.metrics.Ratification(ctx, "proposal", string(model.ActionReject))
	s.hooks.Proposal(notify.ProposalEvent{Kind: notify.ProposalRejected, CommitID: commitID, Title: p.Title, Reason: reason, At: s.now().UTC()})
	return p, nil
}

// MarkApplied records that a ratified proposal has been applied.
func (s *Service) MarkApplied(ctx context.Context, actor Actor, commitID string) (model.Proposal, error) {
	if err := s.requireRatifier(actor); err != nil {
		return model.Proposal{}, err
	}
	p, err := s.ledger.MarkApplied(ctx, commitID)
	if err != nil {
		return model.Proposal{}, err
	}
	s.hooks.Proposal(notify.ProposalEvent{Kind: notify.ProposalApplied, CommitID: commitID, Title: p.Title, At: s.now().UTC()})
	return p, nil
}

// ListProposals lists proposals with status, oldest first.
func (s *Service) ListProposals(ctx context.Context, status model.ProposalStatus) ([]model.ProposalSummary, error) {
	return s.ledger.List(ctx, status)
}

// PendingProposals lists pending proposals, newest first.
func (s *Service) PendingProposals(ctx context.Context) ([]model.ProposalSummary, error) {
	return s.ledger.Pending(ctx)
}

// History lists resolved proposals, most recent first.
func (s *Service) History(ctx context.Context, limit int) ([]model.ProposalSummary, error) {
	return s.ledger.History(ctx, limit)
}

// Proposal returns one proposal with its document.
func (s *Service) Proposal(ctx context.Context, commitID string) (model.ProposalDetail, error) {
	return s.ledger.Get(ctx, commitID)
}

// ObserveViolations reports monitor findings. Pass it to monitor.WithObserver.
func (s *Service) ObserveViolations(ctx context.Context, vs []monitor.Violation) {
	s.metrics.Violations(ctx, len(vs))
}

// Health summarises the gate for GET /health.
func (s *Service) Health(ctx context.Context) (model.HealthResponse, error) {
	st, err := s.store.LoadState(ctx)
	if err != nil {
		return model.HealthResponse{}, err
	}
	pendingReqs, err := s.store.Pending(ctx)
	if err != nil {
		return model.HealthResponse{}, err
	}
	pendingCommits, err := s.ledger.List(ctx, model.StatusPending)
	if err != nil {
		return model.HealthResponse{}, err
	}
	last, err := s.ledger.LastRatification(ctx)
	if err != nil {
		return model.HealthResponse{}, err
	}
	if lr, err := s.store.LastResolvedAt(ctx); err != nil {
		return model.HealthResponse{}, err
	} else if lr != nil && (last == nil || lr.After(*last)) {
		last = lr
	}
	return model.HealthResponse{
		Status:           "healthy",
		Version:          s.version,
		Uptime:           int64(time.Since(s.started).Seconds()),
		Sequence:         st.Sequence,
		PendingRequests:  len(pendingReqs),
		PendingCommits:   len(pendingCommits),
		LastRatification: last,
	}, nil
}
