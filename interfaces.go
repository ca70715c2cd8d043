package dualcommit

import (
	"context"
	"net/http"
)

// Hook receives asynchronous notifications after a decision or proposal
// step has been committed. Methods run in goroutines with a timeout and
// must not block indefinitely. Errors are logged and never change the
// outcome that triggered them.
type Hook interface {
	OnDecision(ctx context.Context, d Decision) error
	OnProposal(ctx context.Context, ev ProposalEvent) error
}

// Middleware wraps the root HTTP handler. It sees every request,
// including /health.
type Middleware func(http.Handler) http.Handler
