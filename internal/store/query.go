package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// Event listing bounds.
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// PendingRequest is a request awaiting human ratification. Stale requests
// can no longer be approved because the sequence moved past them; they can
// still be rejected.
type PendingRequest struct {
	Request   model.ModificationRequest `json:"request"`
	Decision  model.Decision            `json:"decision"`
	CreatedAt time.Time                 `json:"created_at"`
	Stale     bool                      `json:"stale"`
}

// Pending lists pending requests, oldest first.
func (s *Store) Pending(ctx context.Context) ([]PendingRequest, error) {
	st, err := s.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		requestSelect+` WHERE status = ? ORDER BY created_at ASC, request_id ASC`,
		string(model.RequestPending),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingRequest
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingRequest{
			Request:   rec.Request,
			Decision:  rec.Decision,
			CreatedAt: rec.CreatedAt,
			Stale:     rec.Request.Sequence != st.Sequence+1,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	return out, nil
}

// LastResolvedAt returns when a request was last resolved by a human, or
// nil if none has been.
func (s *Store) LastResolvedAt(ctx context.Context) (*time.Time, error) {
	var v sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(resolved_at) FROM requests`).Scan(&v); err != nil {
		return nil, fmt.Errorf("store: last resolved: %w", err)
	}
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("store: last resolved: %w", err)
	}
	return &t, nil
}

// Events returns applied events with sequence greater than after, in order.
func (s *Store) Events(ctx context.Context, after uint64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}
	rows, err := s.db.QueryContext(ctx,
		eventSelect+` WHERE sequence > ? ORDER BY sequence ASC LIMIT ?`,
		int64(after), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Value returns the live value of target and the sequence that set it.
func (s *Store) Value(ctx context.Context, target string) (string, uint64, error) {
	var (
		value string
		seq   uint64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, sequence FROM target_values WHERE target = ?`, target,
	).Scan(&value, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("store: value %s: %w", target, ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("store: value %s: %w", target, err)
	}
	return value, seq, nil
}

// VerifyReport is the result of auditing the event chain.
type VerifyReport struct {
	Valid       bool   `json:"valid"`
	Checked     int    `json:"checked"`
	FirstBadSeq uint64 `json:"first_bad_sequence,omitempty"`
	Problem     string `json:"problem,omitempty"`
	HeadHash    string `json:"head_hash"`
}

// Verify walks the event log from genesis, recomputing every hash, and checks
// that sequences are gap-free and the chain ends at the stored head.
func (s *Store) Verify(ctx context.Context) (VerifyReport, error) {
	st, err := s.LoadState(ctx)
	if err != nil {
		return VerifyReport{}, err
	}
	rows, err := s.db.QueryContext(ctx, eventSelect+` ORDER BY sequence ASC`)
	if err != nil {
		return VerifyReport{}, fmt.Errorf("store: verify: %w", err)
	}
	defer func() { _ = rows.Close() }()

	report := VerifyReport{Valid: true, HeadHash: st.HeadHash}
	fail := func(seq uint64, problem string) {
		if report.Valid {
			report.Valid = false
			report.FirstBadSeq = seq
			report.Problem = problem
		}
	}

	prev := model.GenesisHash
	var want uint64 = 1
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return VerifyReport{}, err
		}
		report.Checked++
		if !report.Valid {
			continue
		}
		switch {
		case e.Sequence != want:
			fail(e.Sequence, fmt.Sprintf("expected sequence %d", want))
		case e.PrevHash != prev:
			fail(e.Sequence, "prev_hash does not link to previous event")
		default:
			h, err := e.ComputeHash(prev)
			if err != nil {
				return VerifyReport{}, err
			}
			if h != e.Hash {
				fail(e.Sequence, "hash mismatch")
			}
		}
		prev = e.Hash
		want++
	}
	if err := rows.Err(); err != nil {
		return VerifyReport{}, fmt.Errorf("store: verify: %w", err)
	}
	if report.Valid && (want-1 != st.Sequence || prev != st.HeadHash) {
		fail(st.Sequence, "stored head does not match event log")
	}
	return report, nil
}

const eventSelect = `SELECT sequence, request_id, mod_type, target, old_value, new_value, authority, applied_at, prev_hash, hash FROM events`

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan events: %w", err)
	}
	return out, nil
}

func scanEvent(row rowScanner) (model.Event, error) {
	var (
		e         model.Event
		modType   string
		oldValue  sql.NullString
		authority string
		appliedAt string
	)
	if err := row.Scan(&e.Sequence, &e.RequestID, &modType, &e.Target, &oldValue, &e.NewValue,
		&authority, &appliedAt, &e.PrevHash, &e.Hash); err != nil {
		return model.Event{}, fmt.Errorf("store: scan event: %w", err)
	}
	mt, err := model.ParseModType(modType)
	if err != nil {
		return model.Event{}, fmt.Errorf("store: event %d: %w", e.Sequence, err)
	}
	e.ModType = mt
	if oldValue.Valid {
		v := oldValue.String
		e.OldValue = &v
	}
	e.Authority = model.Authority(authority)
	if e.AppliedAt, err = time.Parse(timeLayout, appliedAt); err != nil {
		return model.Event{}, fmt.Errorf("store: event %d: parse applied_at: %w", e.Sequence, err)
	}
	return e, nil
}
