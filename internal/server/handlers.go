package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashita-ai/dualcommit/internal/auth"
	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/service/governance"
	"github.com/ashita-ai/dualcommit/internal/store"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc                 *governance.Service
	jwtMgr              *auth.JWTManager
	principals          auth.Principals
	logger              *slog.Logger
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// OpenAPISpec is optional.
type HandlersDeps struct {
	Service             *governance.Service
	JWTMgr              *auth.JWTManager
	Principals          auth.Principals
	Logger              *slog.Logger
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:                 d.Service,
		jwtMgr:              d.JWTMgr,
		principals:          d.Principals,
		logger:              d.Logger,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidatePrincipalID(req.PrincipalID); err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	p, err := auth.Authenticate(h.principals, req.PrincipalID, req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Error("auth: verify api key", "principal", req.PrincipalID, "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(p)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "principal", p.ID, "authority", p.Authority, "expires_at", expiresAt)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Health(r.Context())
	if err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, r, http.StatusServiceUnavailable, model.HealthResponse{Status: "unhealthy"})
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

// actor builds the governance actor for the authenticated caller.
func actor(r *http.Request) governance.Actor {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return governance.Actor{}
	}
	return governance.Actor{ID: claims.PrincipalID(), Authority: claims.Authority}
}

// writeServiceError maps a service error onto a status code and error code.
// Decisions are never errors; only caller mistakes and infrastructure
// failures reach here.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
	case errors.Is(err, ledger.ErrReasonRequired), errors.Is(err, ledger.ErrInvalidID):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyResolved), errors.Is(err, ledger.ErrExists),
		errors.Is(err, store.ErrConflict), errors.Is(err, model.ErrReplayMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, governance.ErrNotRatifier):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "ratification requires the ratifier tier")
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

// writeInternalError logs err and writes a 500 without leaking details.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryUint parses a non-negative integer query parameter.
func queryUint(r *http.Request, key string) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, &model.ValidationError{Field: key, Message: key + " must be a non-negative integer"}
	}
	return n, nil
}
