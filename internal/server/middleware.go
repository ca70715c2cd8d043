// Package server implements the HTTP API of the governance gate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/dualcommit/internal/auth"
	"github.com/ashita-ai/dualcommit/internal/ctxutil"
	"github.com/ashita-ai/dualcommit/internal/model"
)

// RequestIDFromContext and ClaimsFromContext are re-exported for tests and
// for callers that only import server.
var (
	RequestIDFromContext = ctxutil.RequestIDFromContext
	ClaimsFromContext    = ctxutil.ClaimsFromContext
)

// requestIDMiddleware assigns a unique request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithRequestID(r.Context(), reqID)))
	})
}

// securityHeadersMiddleware sets conservative response headers. The API
// serves JSON and YAML only.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, ok := w.(*statusWriter)
		if !ok {
			wrapped = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}
		if claims := wrapped.claims; claims != nil {
			attrs = append(attrs, "principal", claims.PrincipalID(), "authority", claims.Authority)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// statusWriter records the status code and, once auth has run, the caller's
// claims so outer middleware can log them. Tracing and logging share one.
type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	claims      *auth.Claims
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets streamable MCP responses through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

var (
	tracer    = otel.Tracer("dualcommit/http")
	httpMeter = otel.GetMeterProvider().Meter("dualcommit/http")
)

// tracingMiddleware creates an OTEL span for each HTTP request
// and records request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped, ok := w.(*statusWriter)
		if !ok {
			wrapped = &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		duration := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.Pattern),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if claims := wrapped.claims; claims != nil {
			span.SetAttributes(
				attribute.String("dualcommit.principal", claims.PrincipalID()),
				attribute.String("dualcommit.authority", string(claims.Authority)),
			)
			attrs = append(attrs, attribute.String("dualcommit.authority", string(claims.Authority)))
		}

		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// publicPaths do not require a bearer token.
var publicPaths = map[string]bool{
	"/health":       true,
	"/auth/token":   true,
	"/openapi.yaml": true,
}

// authMiddleware validates JWT tokens and populates context with claims.
func authMiddleware(jwtMgr *auth.JWTManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid authorization format")
			return
		}

		claims, err := jwtMgr.ValidateToken(parts[1])
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired token")
			return
		}

		if sw, ok := w.(*statusWriter); ok {
			sw.claims = claims
		}
		next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), claims)))
	})
}

// recoveryMiddleware turns a handler panic into a 500 response.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic in handler",
					"panic", fmt.Sprint(rec),
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

var errBodyTooLarge = errors.New("request body too large")

// decodeJSON decodes a size-limited JSON request body into target.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

// handleDecodeError writes the response for a decodeJSON failure.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
}
