// Package store is the State Store: a SQLite database holding the applied
// sequence, the hash-chained event log, the live value of each target and
// every recorded decision. All mutation happens inside WithTxn, which holds
// the transaction lock across load, validate, apply and save.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/dualcommit/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking via PRAGMA user_version:
// 1 - initial schema
// 2 - requests.payload_hash, replay keys scoped by authority
const currentSchemaVersion = 2

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// State is the store's head: the last applied sequence and chain hash.
type State struct {
	Sequence  uint64    `json:"sequence"`
	HeadHash  string    `json:"head_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the SQLite-backed State Store. It is safe for concurrent use;
// writers are serialized by an in-process mutex and, across processes, by
// SQLite's BEGIN IMMEDIATE write lock.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	txnMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens the database at path and applies the schema.
//
// The connection is configured with WAL journaling, a 5s busy timeout and
// immediate transactions, and the pool is pinned to one connection.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("store: read user_version: %w", err)
	}
	if version == 1 {
		// Rows written before v2 keep an empty payload_hash; PriorDecision
		// derives it from request_json.
		for _, stmt := range []string{
			`ALTER TABLE requests ADD COLUMN payload_hash TEXT NOT NULL DEFAULT ''`,
			`UPDATE requests SET replay_key = json_extract(request_json, '$.authority') || ':' || replay_key`,
		} {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: migrate to v2: %w", err)
			}
		}
	}
	if version < currentSchemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("store: set user_version: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO gate_state (id, sequence, head_hash, updated_at) VALUES (1, 0, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		model.GenesisHash, s.now().UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("store: seed gate_state: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Txn is a locked read-write transaction. It is valid only inside the
// WithTxn callback that received it.
type Txn struct {
	tx *sql.Tx
	s  *Store
}

// WithTxn runs fn holding the transaction lock. The transaction commits if
// fn returns nil and rolls back otherwise.
func (s *Store) WithTxn(ctx context.Context, fn func(*Txn) error) error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(&Txn{tx: tx, s: s}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("store: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// LoadState reads the current head.
func (t *Txn) LoadState(ctx context.Context) (State, error) {
	return loadState(ctx, t.tx)
}

// LoadState reads the current head outside any transaction.
func (s *Store) LoadState(ctx context.Context) (State, error) {
	return loadState(ctx, s.db)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadState(ctx context.Context, q querier) (State, error) {
	var (
		st      State
		updated string
	)
	err := q.QueryRowContext(ctx,
		`SELECT sequence, head_hash, updated_at FROM gate_state WHERE id = 1`,
	).Scan(&st.Sequence, &st.HeadHash, &updated)
	if err != nil {
		return State{}, fmt.Errorf("store: load state: %w", err)
	}
	st.UpdatedAt, err = time.Parse(timeLayout, updated)
	if err != nil {
		return State{}, fmt.Errorf("store: load state: parse updated_at: %w", err)
	}
	return st, nil
}

// ApplyEvents seals and appends events on top of st and projects their
// values. Each event must carry exactly the next sequence number; anything
// else fails with ErrSequenceGap and the caller's transaction rolls back.
// The returned State is not persisted until SaveState.
func (t *Txn) ApplyEvents(ctx context.Context, events []model.Event, st State) (State, error) {
	for i := range events {
		e := events[i]
		if e.Sequence != st.Sequence+1 {
			return st, fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, st.Sequence+1, e.Sequence)
		}
		prev := st.HeadHash
		if prev == "" {
			prev = model.GenesisHash
		}
		if err := e.Seal(prev); err != nil {
			return st, fmt.Errorf("store: apply event %d: %w", e.Sequence, err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO events (sequence, request_id, mod_type, target, old_value, new_value, authority, applied_at, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(e.Sequence), e.RequestID, e.ModType.String(), e.Target, nullString(e.OldValue), e.NewValue,
			string(e.Authority), e.AppliedAt.UTC().Format(timeLayout), e.PrevHash, e.Hash,
		); err != nil {
			return st, fmt.Errorf("store: insert event %d: %w", e.Sequence, err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO target_values (target, value, sequence) VALUES (?, ?, ?)
			 ON CONFLICT (target) DO UPDATE SET value = excluded.value, sequence = excluded.sequence`,
			e.Target, e.NewValue, int64(e.Sequence),
		); err != nil {
			return st, fmt.Errorf("store: project event %d: %w", e.Sequence, err)
		}
		events[i] = e
		st = State{Sequence: e.Sequence, HeadHash: e.Hash, UpdatedAt: e.AppliedAt.UTC()}
	}
	return st, nil
}

// SaveState persists st as the new head.
func (t *Txn) SaveState(ctx context.Context, st State) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE gate_state SET sequence = ?, head_hash = ?, updated_at = ? WHERE id = 1`,
		int64(st.Sequence), st.HeadHash, st.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: save state: gate_state row missing")
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
