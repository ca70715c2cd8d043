// Package dualcommit is a Go client for the Dual Commit governance gate API.
package dualcommit

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error response from the gate, carrying the HTTP status and
// the server's stable error code.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dualcommit: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized reports whether err is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden reports whether err is a 403, returned when the caller is
// below the ratifier tier.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsConflict reports whether err is a 409: the request or proposal was
// already resolved, or the sequence moved past it.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }
