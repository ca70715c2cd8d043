// Package ledger is the Commit Ledger: code-change proposals that wait for
// human ratification. An entry's status is its lifecycle state; transitions
// are atomic so two ratifiers can never both resolve the same proposal.
package ledger

import (
	"context"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// Backend stores proposal documents keyed by commit id.
//
// Transition moves id from one status to another, appending appendix to
// the document when it is non-empty. It fails with ErrAlreadyResolved when
// the entry exists under a different status and ErrNotFound when it does
// not exist at all.
type Backend interface {
	Create(ctx context.Context, id, content string) error
	Exists(ctx context.Context, id string) (bool, error)
	Transition(ctx context.Context, id string, from, to model.ProposalStatus, appendix string) error
	Get(ctx context.Context, id string) (model.ProposalRecord, error)
	List(ctx context.Context, status model.ProposalStatus) ([]model.ProposalRecord, error)
}
