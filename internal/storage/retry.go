package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Retry defaults for proposal writes.
const (
	DefaultRetries   = 3
	DefaultBaseDelay = 20 * time.Millisecond
)

// isRetriable reports Postgres errors that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}

// WithRetry runs fn, retrying up to maxRetries times on serialization or
// deadlock failures with jittered exponential backoff from baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) || attempt == maxRetries {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter needs no crypto randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
