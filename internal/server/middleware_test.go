package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "caller-chosen", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(quiet, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"`+strings.Repeat("x", 100)+`"}`))
	var body model.HumanActionRequest
	err := decodeJSON(rec, req, &body, 16)
	require.ErrorIs(t, err, errBodyTooLarge)

	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDecodeJSON_Empty(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(nil))
	var body model.HumanActionRequest
	err := decodeJSON(rec, req, &body, 1024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestResolveIdempotencyKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	key, err := resolveIdempotencyKey(req, "from-body")
	require.NoError(t, err)
	assert.Equal(t, "from-body", key)

	req.Header.Set("Idempotency-Key", "from-header")
	key, err = resolveIdempotencyKey(req, "")
	require.NoError(t, err)
	assert.Equal(t, "from-header", key)

	_, err = resolveIdempotencyKey(req, "other")
	require.Error(t, err)

	req.Header.Set("Idempotency-Key", strings.Repeat("k", maxIdempotencyKeyLen+1))
	_, err = resolveIdempotencyKey(req, "")
	require.Error(t, err)
}
