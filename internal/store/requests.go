package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dualcommit/internal/gate"
	"github.com/ashita-ai/dualcommit/internal/model"
)

// RequestRecord is a recorded request with its decision and current status.
type RequestRecord struct {
	Request    model.ModificationRequest `json:"request"`
	Decision   model.Decision            `json:"decision"`
	Status     model.RequestStatus       `json:"status"`
	CreatedAt  time.Time                 `json:"created_at"`
	ResolvedAt *time.Time                `json:"resolved_at,omitempty"`
	Resolution *model.Resolution         `json:"resolution,omitempty"`
}

// Validator is the decision engine Submit runs under the lock.
// *gate.Gatekeeper implements it.
type Validator interface {
	Validate(ctx context.Context, req model.ModificationRequest, snap gate.Snapshot) (gate.Evaluation, error)
}

// SubmitResult is the outcome of Submit. RequestID names the original
// request when the decision was replayed.
type SubmitResult struct {
	RequestID string                    `json:"request_id"`
	Decision  model.Decision            `json:"decision"`
	State     State                     `json:"state"`
	Replayed  bool                      `json:"replayed"`
	Status    model.RequestStatus       `json:"status"`
	Events    []model.Event             `json:"events,omitempty"`
	Request   model.ModificationRequest `json:"-"`
}

// HumanActionResult is the outcome of ProcessHumanAction.
type HumanActionResult struct {
	RequestID       string                    `json:"request_id"`
	Status          model.RequestStatus       `json:"status"`
	State           State                     `json:"state"`
	AlreadyResolved bool                      `json:"already_resolved"`
	Request         model.ModificationRequest `json:"request"`
	Event           *model.Event              `json:"event,omitempty"`
}

// Prepare fills defaults a caller may omit: request id and creation time.
func Prepare(req *model.ModificationRequest, now time.Time) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now.UTC()
	}
}

// Submit runs the full gate pipeline for req in one locked transaction:
// load state, validate, record the decision, apply approved events, save.
// A zero Sequence means "next" and is resolved under the lock. Sequence
// conflicts are returned as decisions but never recorded, so the caller may
// resubmit with the same idempotency key. Reusing a key with a different
// payload fails with model.ErrReplayMismatch, except on a protected target,
// which always answers HALT.
func (s *Store) Submit(ctx context.Context, v Validator, req model.ModificationRequest) (SubmitResult, error) {
	Prepare(&req, s.now())
	if err := req.Validate(); err != nil {
		return SubmitResult{}, err
	}

	var res SubmitResult
	err := s.WithTxn(ctx, func(t *Txn) error {
		st, err := t.LoadState(ctx)
		if err != nil {
			return err
		}
		if req.Sequence == 0 {
			req.Sequence = st.Sequence + 1
		}

		ev, err := v.Validate(ctx, req, t.snapshot(st))
		if err != nil {
			return err
		}

		if ev.Replayed() {
			rec, err := t.request(ctx, ev.ReplayOf)
			if err != nil {
				return err
			}
			res = SubmitResult{
				RequestID: ev.ReplayOf,
				Decision:  ev.Decision,
				State:     st,
				Replayed:  true,
				Status:    rec.Status,
				Request:   rec.Request,
			}
			return nil
		}

		res = SubmitResult{
			RequestID: req.RequestID,
			Decision:  ev.Decision,
			State:     st,
			Status:    model.StatusFor(ev.Decision.Type),
			Request:   req,
		}
		if ev.Decision.IsConflict() || ev.Unrecorded {
			return nil
		}

		if err := t.recordRequest(ctx, req, ev.Decision, res.Status); err != nil {
			return err
		}
		if ev.Decision.Approved && len(ev.Events) > 0 {
			st, err = t.ApplyEvents(ctx, ev.Events, st)
			if err != nil {
				return err
			}
			if err := t.SaveState(ctx, st); err != nil {
				return err
			}
			res.State = st
			res.Events = ev.Events
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	s.logger.Info("store: request decided",
		"request_id", res.RequestID,
		"target", req.Target,
		"authority", req.Authority,
		"decision", res.Decision.Type,
		"code", res.Decision.Code,
		"replayed", res.Replayed,
		"sequence", res.State.Sequence,
	)
	return res, nil
}

// ProcessHumanAction resolves a pending request. Approve applies the
// deferred change as the next event; it fails with ErrConflict if the
// store has moved past the request's sequence, leaving the request pending
// so it can still be rejected. Acting on an already-resolved request is a
// no-op reported through AlreadyResolved.
func (s *Store) ProcessHumanAction(ctx context.Context, requestID string, action model.HumanAction, reason string, at time.Time) (HumanActionResult, error) {
	if _, err := model.ParseHumanAction(string(action)); err != nil {
		return HumanActionResult{}, err
	}
	if action == model.ActionReject && reason == "" {
		return HumanActionResult{}, &model.ValidationError{Field: "reason", Message: "reason is required to reject"}
	}

	var res HumanActionResult
	err := s.WithTxn(ctx, func(t *Txn) error {
		rec, err := t.request(ctx, requestID)
		if err != nil {
			return err
		}
		st, err := t.LoadState(ctx)
		if err != nil {
			return err
		}
		res = HumanActionResult{RequestID: requestID, Status: rec.Status, State: st, Request: rec.Request}
		if rec.Status != model.RequestPending {
			res.AlreadyResolved = true
			return nil
		}

		resolution := model.Resolution{Action: action, Reason: reason, ResolvedAt: at.UTC()}
		switch action {
		case model.ActionApprove:
			if rec.Request.Sequence != st.Sequence+1 {
				return fmt.Errorf("%w: request %s expects sequence %d, store is at %d",
					ErrConflict, requestID, rec.Request.Sequence, st.Sequence)
			}
			events := []model.Event{model.EventFromRequest(rec.Request, at)}
			st, err = t.ApplyEvents(ctx, events, st)
			if err != nil {
				return err
			}
			if err := t.SaveState(ctx, st); err != nil {
				return err
			}
			resolution.Sequence = st.Sequence
			res.Status = model.RequestApproved
			res.State = st
			res.Event = &events[0]
		case model.ActionReject:
			res.Status = model.RequestRejected
		}
		return t.resolveRequest(ctx, requestID, res.Status, resolution)
	})
	if err != nil {
		return HumanActionResult{}, err
	}

	s.logger.Info("store: human action",
		"request_id", requestID,
		"action", action,
		"status", res.Status,
		"already_resolved", res.AlreadyResolved,
		"sequence", res.State.Sequence,
	)
	return res, nil
}

// Request returns one recorded request.
func (s *Store) Request(ctx context.Context, requestID string) (RequestRecord, error) {
	rec, err := scanRequest(s.db.QueryRowContext(ctx, requestSelect+` WHERE request_id = ?`, requestID))
	if err != nil {
		return RequestRecord{}, fmt.Errorf("store: request %s: %w", requestID, err)
	}
	return rec, nil
}

// txnSnapshot is the gate.Snapshot taken inside a locked transaction.
type txnSnapshot struct {
	t   *Txn
	seq uint64
}

func (t *Txn) snapshot(st State) gate.Snapshot {
	return txnSnapshot{t: t, seq: st.Sequence}
}

func (s txnSnapshot) Sequence() uint64 { return s.seq }

func (s txnSnapshot) PriorDecision(ctx context.Context, req model.ModificationRequest) (gate.Prior, bool, error) {
	return s.t.PriorDecision(ctx, req)
}

// PriorDecision returns the decision recorded for req's replay key or
// request id, if any, with the payload hash of the request it decided.
func (t *Txn) PriorDecision(ctx context.Context, req model.ModificationRequest) (gate.Prior, bool, error) {
	var hash string
	rec, err := scanRequest(t.tx.QueryRowContext(ctx,
		`SELECT request_json, decision_json, status, created_at, resolved_at, resolution_json, payload_hash
		 FROM requests WHERE replay_key = ? OR request_id = ? LIMIT 1`,
		req.ReplayKey(), req.RequestID,
	), &hash)
	if errors.Is(err, ErrNotFound) {
		return gate.Prior{}, false, nil
	}
	if err != nil {
		return gate.Prior{}, false, err
	}
	if hash == "" {
		if hash, err = rec.Request.PayloadHash(); err != nil {
			return gate.Prior{}, false, fmt.Errorf("store: %w", err)
		}
	}
	return gate.Prior{RequestID: rec.Request.RequestID, Decision: rec.Decision, PayloadHash: hash}, true, nil
}

func (t *Txn) request(ctx context.Context, requestID string) (RequestRecord, error) {
	rec, err := scanRequest(t.tx.QueryRowContext(ctx, requestSelect+` WHERE request_id = ?`, requestID))
	if err != nil {
		return RequestRecord{}, fmt.Errorf("store: request %s: %w", requestID, err)
	}
	return rec, nil
}

func (t *Txn) recordRequest(ctx context.Context, req model.ModificationRequest, d model.Decision, status model.RequestStatus) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("store: marshal request %s: %w", req.RequestID, err)
	}
	decJSON, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal decision %s: %w", req.RequestID, err)
	}
	hash, err := req.PayloadHash()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO requests (request_id, replay_key, payload_hash, request_json, decision_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.ReplayKey(), hash, string(reqJSON), string(decJSON), string(status),
		req.CreatedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("store: record request %s: %w", req.RequestID, err)
	}
	return nil
}

func (t *Txn) resolveRequest(ctx context.Context, requestID string, status model.RequestStatus, r model.Resolution) error {
	resJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal resolution %s: %w", requestID, err)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE requests SET status = ?, resolved_at = ?, resolution_json = ?
		 WHERE request_id = ? AND status = ?`,
		string(status), r.ResolvedAt.Format(timeLayout), string(resJSON), requestID, string(model.RequestPending),
	)
	if err != nil {
		return fmt.Errorf("store: resolve request %s: %w", requestID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: resolve request %s: not pending", requestID)
	}
	return nil
}

const requestSelect = `SELECT request_json, decision_json, status, created_at, resolved_at, resolution_json FROM requests`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRequest reads a requestSelect row. extra receives any columns
// selected after the standard ones.
func scanRequest(row rowScanner, extra ...any) (RequestRecord, error) {
	var (
		rec                   RequestRecord
		reqJSON, decJSON      string
		status, created       string
		resolvedAt, resolJSON sql.NullString
	)
	dest := append([]any{&reqJSON, &decJSON, &status, &created, &resolvedAt, &resolJSON}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RequestRecord{}, ErrNotFound
		}
		return RequestRecord{}, fmt.Errorf("store: scan request: %w", err)
	}
	if err := json.Unmarshal([]byte(reqJSON), &rec.Request); err != nil {
		return RequestRecord{}, fmt.Errorf("store: decode request: %w", err)
	}
	if err := json.Unmarshal([]byte(decJSON), &rec.Decision); err != nil {
		return RequestRecord{}, fmt.Errorf("store: decode decision %s: %w", rec.Request.RequestID, err)
	}
	rec.Status = model.RequestStatus(status)
	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return RequestRecord{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(timeLayout, resolvedAt.String)
		if err != nil {
			return RequestRecord{}, fmt.Errorf("store: parse resolved_at: %w", err)
		}
		rec.ResolvedAt = &t
	}
	if resolJSON.Valid {
		var r model.Resolution
		if err := json.Unmarshal([]byte(resolJSON.String), &r); err != nil {
			return RequestRecord{}, fmt.Errorf("store: decode resolution: %w", err)
		}
		rec.Resolution = &r
	}
	return rec, nil
}
