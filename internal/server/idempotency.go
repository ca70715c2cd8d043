package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/dualcommit/internal/model"
)

// maxIdempotencyKeyLen bounds the Idempotency-Key header.
const maxIdempotencyKeyLen = 255

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// resolveIdempotencyKey merges the Idempotency-Key header with the body's
// idempotency_key. Either may be set; when both are they must agree. The
// key becomes the request's replay key, so a resubmission returns the
// recorded decision instead of deciding again.
func resolveIdempotencyKey(r *http.Request, body string) (string, error) {
	header := idempotencyKey(r)
	body = strings.TrimSpace(body)
	switch {
	case header == "":
		header = body
	case body != "" && body != header:
		return "", &model.ValidationError{Field: "idempotency_key", Message: "Idempotency-Key header and idempotency_key differ"}
	}
	if len(header) > maxIdempotencyKeyLen {
		return "", &model.ValidationError{Field: "idempotency_key", Message: "idempotency key is too long"}
	}
	return header, nil
}
