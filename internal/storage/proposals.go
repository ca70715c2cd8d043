package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/dualcommit/internal/model"
)

const proposalColumns = `commit_id, status, content, created_at, updated_at`

// InsertProposal stores a new pending proposal. It reports false when the
// commit id is already taken.
func (db *DB) InsertProposal(ctx context.Context, id, content string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO proposals (commit_id, status, content) VALUES ($1, $2, $3)
		 ON CONFLICT (commit_id) DO NOTHING`,
		id, string(model.StatusPending), content,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert proposal %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionProposal moves id from one status to another, appending
// appendix to its content. The UPDATE is conditional on the current status,
// so of two concurrent callers exactly one succeeds. On failure it returns
// the status the row actually has; ErrNotFound if there is no row.
func (db *DB) TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus, appendix string) (model.ProposalStatus, bool, error) {
	var (
		current model.ProposalStatus
		moved   bool
	)
	err := WithRetry(ctx, DefaultRetries, DefaultBaseDelay, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE proposals SET status = $3, content = content || $4, updated_at = now()
			 WHERE commit_id = $1 AND status = $2`,
			id, string(from), string(to), appendix,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			current, moved = to, true
			return nil
		}
		var s string
		if err := db.pool.QueryRow(ctx, `SELECT status FROM proposals WHERE commit_id = $1`, id).Scan(&s); err != nil {
			return err
		}
		current = model.ProposalStatus(s)
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("storage: proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: transition proposal %s: %w", id, err)
	}
	return current, moved, nil
}

// GetProposal returns one proposal.
func (db *DB) GetProposal(ctx context.Context, id string) (model.ProposalRecord, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE commit_id = $1`, id)
	if err != nil {
		return model.ProposalRecord{}, fmt.Errorf("storage: get proposal %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanProposal)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ProposalRecord{}, fmt.Errorf("storage: proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ProposalRecord{}, fmt.Errorf("storage: get proposal %s: %w", id, err)
	}
	return rec, nil
}

// ProposalExists reports whether id is present under any status.
func (db *DB) ProposalExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM proposals WHERE commit_id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: proposal exists %s: %w", id, err)
	}
	return exists, nil
}

// ListProposals returns proposals with status, oldest first.
func (db *DB) ListProposals(ctx context.Context, status model.ProposalStatus) ([]model.ProposalRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status = $1 ORDER BY created_at ASC, commit_id ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list proposals: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanProposal)
	if err != nil {
		return nil, fmt.Errorf("storage: list proposals: %w", err)
	}
	return recs, nil
}

func scanProposal(row pgx.CollectableRow) (model.ProposalRecord, error) {
	var (
		rec    model.ProposalRecord
		status string
	)
	if err := row.Scan(&rec.CommitID, &status, &rec.Content, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return model.ProposalRecord{}, err
	}
	rec.Status = model.ProposalStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
