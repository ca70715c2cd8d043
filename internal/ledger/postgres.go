package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/storage"
)

// PostgresBackend keeps proposals in the proposals table. Transitions are a
// single UPDATE conditioned on the current status.
type PostgresBackend struct {
	db *storage.DB
}

// NewPostgresBackend returns a backend over db. Migrations must already
// have been applied.
func NewPostgresBackend(db *storage.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Create(ctx context.Context, id, content string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	ok, err := b.db.InsertProposal(ctx, id, content)
	if err != nil {
		return fmt.Errorf("ledger: create %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("ledger: create %s: %w", id, ErrExists)
	}
	return nil
}

func (b *PostgresBackend) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return b.db.ProposalExists(ctx, id)
}

func (b *PostgresBackend) Transition(ctx context.Context, id string, from, to model.ProposalStatus, appendix string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	current, moved, err := b.db.TransitionProposal(ctx, id, from, to, appendix)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("ledger: %s.%s: %w", id, from, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("ledger: transition %s: %w", id, err)
	}
	if !moved {
		return fmt.Errorf("ledger: %s is %s: %w", id, current, ErrAlreadyResolved)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (model.ProposalRecord, error) {
	if !ValidID(id) {
		return model.ProposalRecord{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	rec, err := b.db.GetProposal(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.ProposalRecord{}, fmt.Errorf("ledger: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ProposalRecord{}, fmt.Errorf("ledger: get %s: %w", id, err)
	}
	return rec, nil
}

func (b *PostgresBackend) List(ctx context.Context, status model.ProposalStatus) ([]model.ProposalRecord, error) {
	recs, err := b.db.ListProposals(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", status, err)
	}
	return recs, nil
}
