package ledger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/precedent"
)

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 50

// maxIDAttempts bounds commit id regeneration on collision.
const maxIDAttempts = 32

// Precedent prefixes returned in place of a commit id when no proposal was
// written.
const (
	AutoPrefix = "AUTO:"
	DistPrefix = "DIST:"
)

// PrecedentChecker looks up ratified decisions. *precedent.Checker implements it.
type PrecedentChecker interface {
	Check(ctx context.Context, q precedent.Query) (precedent.Result, error)
}

// CreateResult is the outcome of CreateProposal. When precedent settled the
// proposal, CommitID is AUTO:<matched> or DIST:<matched> and nothing was
// written.
type CreateResult struct {
	CommitID      string
	Created       bool
	Verdict       precedent.Verdict
	MatchedCommit string
	Source        string
	Reason        string
}

// Propose statuses reported for a CreateResult.
const (
	ProposeAutoApproved = "auto_approved"
	ProposeDistributed  = "distributed"
)

// Status names the outcome for callers: pending for a new proposal,
// otherwise the precedent verdict that settled it. Nothing is applied
// either way.
func (r CreateResult) Status() string {
	switch {
	case r.Created:
		return string(model.StatusPending)
	case r.Verdict == precedent.VerdictDistributed:
		return ProposeDistributed
	}
	return ProposeAutoApproved
}

// Service runs the proposal lifecycle over a Backend.
type Service struct {
	backend   Backend
	precedent PrecedentChecker
	recorder  precedent.Recorder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPrecedent consults c before writing a proposal and records approvals
// with r. Either may be nil.
func WithPrecedent(c PrecedentChecker, r precedent.Recorder) Option {
	return func(s *Service) {
		s.precedent = c
		s.recorder = r
	}
}

// WithIDGenerator overrides commit id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService returns a Service over backend.
func NewService(backend Backend, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{backend: backend, logger: logger, now: time.Now, newID: NewID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProposal checks precedent and, when none applies, writes p as a new
// pending proposal.
func (s *Service) CreateProposal(ctx context.Context, p model.Proposal) (CreateResult, error) {
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return CreateResult{}, err
	}

	if s.precedent != nil {
		res, err := s.precedent.Check(ctx, precedent.Query{
			ProposalType: p.ProposalType,
			TrustLevel:   p.TrustLevel,
			Summary:      p.Summary,
			Proposer:     p.Proposer,
		})
		if err != nil {
			return CreateResult{}, fmt.Errorf("ledger: precedent: %w", err)
		}
		var prefix string
		switch res.Verdict {
		case precedent.VerdictAutoApprove:
			prefix = AutoPrefix
		case precedent.VerdictDistributed:
			prefix = DistPrefix
		case precedent.VerdictNovel:
		}
		if prefix != "" {
			s.logger.Info("ledger: proposal settled by precedent",
				"title", p.Title, "verdict", res.Verdict, "matched_commit", res.MatchedCommit, "source", res.Source)
			return CreateResult{
				CommitID:      prefix + res.MatchedCommit,
				Verdict:       res.Verdict,
				MatchedCommit: res.MatchedCommit,
				Source:        res.Source,
				Reason:        res.Reason,
			}, nil
		}
	}

	p.CreatedAt = s.now().UTC()
	p.Status = model.StatusPending
	for range maxIDAttempts {
		id, err := s.newID()
		if err != nil {
			return CreateResult{}, err
		}
		exists, err := s.backend.Exists(ctx, id)
		if err != nil {
			return CreateResult{}, err
		}
		if exists {
			continue
		}
		p.CommitID = id
		content, err := Render(p)
		if err != nil {
			return CreateResult{}, err
		}
		if err := s.backend.Create(ctx, id, content); err != nil {
			if errors.Is(err, ErrExists) {
				continue
			}
			return CreateResult{}, err
		}
		s.logger.Info("ledger: proposal created", "commit_id", id, "title", p.Title, "proposer", p.Proposer)
		return CreateResult{
			CommitID: id,
			Created:  true,
			Verdict:  precedent.VerdictNovel,
			Reason:   "no ratified precedent; awaiting human ratification",
		}, nil
	}
	return CreateResult{}, fmt.Errorf("ledger: no free commit id after %d attempts", maxIDAttempts)
}

// Approve ratifies a pending proposal and records it as precedent.
func (s *Service) Approve(ctx context.Context, id string) (model.Proposal, error) {
	if err := s.backend.Transition(ctx, id, model.StatusPending, model.StatusCommit, ""); err != nil {
		return model.Proposal{}, err
	}
	at := s.now()
	detail, err := s.Get(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	p := detail.Proposal
	s.logger.Info("ledger: proposal approved", "commit_id", id)
	if s.recorder != nil {
		if err := s.recorder.Record(ctx, precedent.EntryForProposal(p, at)); err != nil {
			// The approval stands; only future precedent lookups miss it.
			s.logger.Error("ledger: record precedent", "commit_id", id, "error", err)
		}
	}
	return p, nil
}

// Reject resolves a pending proposal as rejected. The reason is mandatory
// and checked before the ledger is touched.
func (s *Service) Reject(ctx context.Context, id, reason string) (model.Proposal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Proposal{}, ErrReasonRequired
	}
	if len(reason) > model.MaxReasonLen {
		return model.Proposal{}, &model.ValidationError{Field: "reason", Message: "reason is too long"}
	}
	appendix := RejectionAppendix(reason, s.now())
	if err := s.backend.Transition(ctx, id, model.StatusPending, model.StatusRejected, appendix); err != nil {
		return model.Proposal{}, err
	}
	s.logger.Info("ledger: proposal rejected", "commit_id", id, "reason", reason)
	detail, err := s.Get(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	return detail.Proposal, nil
}

// MarkApplied records that a ratified proposal has been applied.
func (s *Service) MarkApplied(ctx context.Context, id string) (model.Proposal, error) {
	if err := s.backend.Transition(ctx, id, model.StatusCommit, model.StatusApplied, ""); err != nil {
		return model.Proposal{}, err
	}
	s.logger.Info("ledger: proposal applied", "commit_id", id)
	detail, err := s.Get(ctx, id)
	if err != nil {
		return model.Proposal{}, err
	}
	return detail.Proposal, nil
}

// Get returns a proposal under any status with its parsed fields.
func (s *Service) Get(ctx context.Context, id string) (model.ProposalDetail, error) {
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return model.ProposalDetail{}, err
	}
	return model.ProposalDetail{Proposal: s.proposal(rec), Content: rec.Content}, nil
}

// List returns proposals with status, oldest first.
func (s *Service) List(ctx context.Context, status model.ProposalStatus) ([]model.ProposalSummary, error) {
	recs, err := s.backend.List(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]model.ProposalSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.summary(rec))
	}
	return out, nil
}

// Pending returns pending proposals, newest first.
func (s *Service) Pending(ctx context.Context) ([]model.ProposalSummary, error) {
	out, err := s.List(ctx, model.StatusPending)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b model.ProposalSummary) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// History returns resolved proposals (ratified or rejected), most recently
// resolved first. limit <= 0 means DefaultHistoryLimit.
func (s *Service) History(ctx context.Context, limit int) ([]model.ProposalSummary, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []model.ProposalSummary
	for _, status := range []model.ProposalStatus{model.StatusCommit, model.StatusRejected} {
		recs, err := s.List(ctx, status)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	slices.SortStableFunc(out, func(a, b model.ProposalSummary) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), strings.Compare(a.CommitID, b.CommitID))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LastRatification returns when a proposal was last ratified, or nil.
func (s *Service) LastRatification(ctx context.Context) (*time.Time, error) {
	var last *time.Time
	for _, status := range []model.ProposalStatus{model.StatusCommit, model.StatusApplied} {
		recs, err := s.backend.List(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if last == nil || rec.UpdatedAt.After(*last) {
				t := rec.UpdatedAt
				last = &t
			}
		}
	}
	return last, nil
}

func (s *Service) proposal(rec model.ProposalRecord) model.Proposal {
	p, err := Parse(rec.Content)
	if err != nil {
		s.logger.Warn("ledger: unparseable proposal document", "commit_id", rec.CommitID, "error", err)
		p = model.Proposal{}
	}
	p.CommitID = rec.CommitID
	p.Status = rec.Status
	if p.CreatedAt.IsZero() {
		p.CreatedAt = rec.CreatedAt
	}
	return p
}

func (s *Service) summary(rec model.ProposalRecord) model.ProposalSummary {
	p := s.proposal(rec)
	return model.ProposalSummary{
		CommitID:  rec.CommitID,
		Title:     p.Title,
		Proposer:  p.Proposer,
		Status:    rec.Status,
		CreatedAt: p.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
