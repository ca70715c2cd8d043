package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/auth"
	"github.com/ashita-ai/dualcommit/internal/gate"
	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/policy"
	"github.com/ashita-ai/dualcommit/internal/precedent"
	"github.com/ashita-ai/dualcommit/internal/ratelimit"
	"github.com/ashita-ai/dualcommit/internal/server"
	"github.com/ashita-ai/dualcommit/internal/service/governance"
	"github.com/ashita-ai/dualcommit/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type principals map[string]model.Principal

func (p principals) Principal(id string) (model.Principal, bool) {
	pr, ok := p[id]
	return pr, ok
}

type fixture struct {
	srv       *httptest.Server
	ledgerDir string
	jwt       *auth.JWTManager
	tokens    map[model.Authority]string
}

type fixtureOpt func(*server.ServerConfig)

func newFixture(t *testing.T, opts ...fixtureOpt) fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "state.db"), discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := policy.Default()
	local := precedent.NewFileLedger(filepath.Join(dir, "precedents.jsonl"), discard)
	checker := precedent.FromPolicy(p, local, discard)
	ledgerDir := filepath.Join(dir, "commits")
	backend, err := ledger.NewFileBackend(ledgerDir, discard)
	require.NoError(t, err)

	svc := governance.New(governance.Deps{
		Store:     st,
		Gate:      gate.New(p, discard, gate.WithPrecedent(checker)),
		Ledger:    ledger.NewService(backend, discard, ledger.WithPrecedent(checker, local)),
		Precedent: checker,
		Recorder:  local,
		Version:   "test",
	}, discard)

	hash, err := auth.HashAPIKey("operator-key")
	require.NoError(t, err)
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	cfg := server.ServerConfig{
		Service: svc,
		JWTMgr:  jwtMgr,
		Principals: principals{
			"operator": {ID: "operator", Authority: model.AuthorityHuman, APIKeyHash: hash},
		},
		Logger:              discard,
		MaxRequestBodyBytes: 64 * 1024,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(ts.Close)

	tokens := map[model.Authority]string{}
	for id, a := range map[string]model.Authority{"harvester": model.AuthoritySystem, "agent-7": model.AuthorityAI, "kart": model.AuthorityHuman} {
		tok, _, err := jwtMgr.IssueToken(model.Principal{ID: id, Authority: a})
		require.NoError(t, err)
		tokens[a] = tok
	}
	return fixture{srv: ts, ledgerDir: ledgerDir, jwt: jwtMgr, tokens: tokens}
}

type call struct {
	method  string
	path    string
	body    any
	token   string
	headers map[string]string
}

func (f fixture) do(t *testing.T, c call) (int, json.RawMessage, model.ErrorDetail) {
	t.Helper()
	var buf io.Reader
	if c.body != nil {
		b, err := json.Marshal(c.body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(c.method, f.srv.URL+c.path, buf)
	require.NoError(t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		Data  json.RawMessage   `json:"data"`
		Error model.ErrorDetail `json:"error"`
	}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env.Data, env.Error
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	status, data, _ := f.do(t, call{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, status)
	h := decode[model.HealthResponse](t, data)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Zero(t, h.PendingCommits)
}

func TestOpenAPIIsPublic(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	status, _, e := f.do(t, call{method: http.MethodGet, path: "/v1/state"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, model.ErrCodeUnauthorized, e.Code)

	status, _, _ = f.do(t, call{method: http.MethodGet, path: "/v1/state", token: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t)

	status, _, _ := f.do(t, call{method: http.MethodPost, path: "/auth/token",
		body: model.AuthTokenRequest{PrincipalID: "operator", APIKey: "wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, data, _ := f.do(t, call{method: http.MethodPost, path: "/auth/token",
		body: model.AuthTokenRequest{PrincipalID: "operator", APIKey: "operator-key"}})
	require.Equal(t, http.StatusOK, status)
	tok := decode[model.AuthTokenResponse](t, data)
	claims, err := f.jwt.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.PrincipalID())
	assert.Equal(t, model.AuthorityHuman, claims.Authority)
}

func TestSubmitRoutineAndReplay(t *testing.T) {
	f := newFixture(t)
	body := model.SubmitRequest{
		ModType:  model.ModState,
		Target:   "artifacts/reddit/post_001.jpg",
		NewValue: "/data/reddit/post_001.jpg",
		Reason:   "route harvested image",
	}
	c := call{method: http.MethodPost, path: "/v1/requests", body: body,
		token: f.tokens[model.AuthoritySystem], headers: map[string]string{"Idempotency-Key": "route-001"}}

	status, data, _ := f.do(t, c)
	require.Equal(t, http.StatusOK, status)
	first := decode[model.SubmitResponse](t, data)
	assert.Equal(t, model.DecisionAutoApprove, first.Decision.Type)
	assert.Equal(t, model.CodeRoutinePolicy, first.Decision.Code)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.False(t, first.Replayed)

	status, data, _ = f.do(t, c)
	require.Equal(t, http.StatusOK, status)
	again := decode[model.SubmitResponse](t, data)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.RequestID, again.RequestID)
	assert.Equal(t, uint64(1), again.Sequence, "a replay must not apply twice")

	status, data, _ = f.do(t, call{method: http.MethodGet, path: "/v1/state/value?target=artifacts/reddit/post_001.jpg",
		token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/data/reddit/post_001.jpg", decode[model.ValueResponse](t, data).Value)

	status, data, _ = f.do(t, call{method: http.MethodGet, path: "/v1/events?after=0", token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.Event](t, data), 1)

	status, data, _ = f.do(t, call{method: http.MethodGet, path: "/v1/state/verify", token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[model.VerifyResponse](t, data).Valid)
}

func TestSubmitIdempotencyKeyMismatch(t *testing.T) {
	f := newFixture(t)
	status, _, e := f.do(t, call{method: http.MethodPost, path: "/v1/requests",
		body: model.SubmitRequest{ModType: model.ModConfig, Target: "config/x", NewValue: "1", Reason: "r", IdempotencyKey: "a"},
		token: f.tokens[model.AuthorityAI], headers: map[string]string{"Idempotency-Key": "b"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, e.Code)
}

func TestSubmitProtectedTargetHalts(t *testing.T) {
	f := newFixture(t)
	status, data, _ := f.do(t, call{method: http.MethodPost, path: "/v1/requests",
		body:  model.SubmitRequest{ModType: model.ModConfig, Target: "governance/policy.yaml", NewValue: "x", Reason: "loosen"},
		token: f.tokens[model.AuthorityHuman]})
	require.Equal(t, http.StatusOK, status, "HALT is a decision, not an error")
	res := decode[model.SubmitResponse](t, data)
	assert.Equal(t, model.DecisionHalt, res.Decision.Type)
	assert.Equal(t, model.RequestHalted, res.Status)
}

func TestSubmitIdempotencyKeyReusedWithDifferentPayload(t *testing.T) {
	f := newFixture(t)
	submit := func(target string) (int, json.RawMessage, model.ErrorDetail) {
		return f.do(t, call{method: http.MethodPost, path: "/v1/requests",
			body:  model.SubmitRequest{ModType: model.ModState, Target: target, NewValue: "/data/" + target, Reason: "route"},
			token: f.tokens[model.AuthoritySystem], headers: map[string]string{"Idempotency-Key": "k"}})
	}

	status, _, _ := submit("artifacts/reddit/x.jpg")
	require.Equal(t, http.StatusOK, status)

	status, _, e := submit("artifacts/reddit/y.jpg")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeConflict, e.Code)

	status, _, _ = f.do(t, call{method: http.MethodGet, path: "/v1/state/value?target=artifacts/reddit/y.jpg",
		token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSubmitIdempotencyKeyReusedOnProtectedTarget(t *testing.T) {
	f := newFixture(t)
	headers := map[string]string{"Idempotency-Key": "k"}

	status, data, _ := f.do(t, call{method: http.MethodPost, path: "/v1/requests",
		body:  model.SubmitRequest{ModType: model.ModState, Target: "artifacts/reddit/x.jpg", NewValue: "/data/x.jpg", Reason: "route"},
		token: f.tokens[model.AuthoritySystem], headers: headers})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, model.DecisionAutoApprove, decode[model.SubmitResponse](t, data).Decision.Type)

	status, data, _ = f.do(t, call{method: http.MethodPost, path: "/v1/requests",
		body:  model.SubmitRequest{ModType: model.ModConfig, Target: "governance/policy.yaml", NewValue: "open", Reason: "loosen"},
		token: f.tokens[model.AuthoritySystem], headers: headers})
	require.Equal(t, http.StatusOK, status)
	res := decode[model.SubmitResponse](t, data)
	assert.Equal(t, model.DecisionHalt, res.Decision.Type)
	assert.False(t, res.Decision.Approved)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.RequestHalted, res.Status)
	assert.Equal(t, uint64(1), res.Sequence)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	status, _, e := f.do(t, call{method: http.MethodPost, path: "/v1/requests",
		body:  model.SubmitRequest{ModType: model.ModConfig, Target: "config/x", Reason: "r"},
		token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, e.Code)

	status, _, _ = f.do(t, call{method: http.MethodPost, path: "/v1/requests",
		body:  map[string]any{"target": "x", "surprise": true},
		token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRequestRatification(t *testing.T) {
	f := newFixture(t)
	status, data, _ := f.do(t, call{method: http.MethodPost, path: "/v1/requests",
		body:  model.SubmitRequest{ModType: model.ModConfig, Target: "config/monitor/interval", NewValue: "45", Reason: "tune"},
		token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	sub := decode[model.SubmitResponse](t, data)
	require.Equal(t, model.DecisionPendingHuman, sub.Decision.Type)

	status, data, _ = f.do(t, call{method: http.MethodGet, path: "/v1/requests/pending", token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]store.PendingRequest](t, data), 1)

	approve := "/v1/requests/" + sub.RequestID + "/approve"
	status, _, e := f.do(t, call{method: http.MethodPost, path: approve, token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeForbidden, e.Code)

	status, _, _ = f.do(t, call{method: http.MethodPost, path: "/v1/requests/" + sub.RequestID + "/reject",
		body: model.HumanActionRequest{}, token: f.tokens[model.AuthorityHuman]})
	assert.Equal(t, http.StatusBadRequest, status, "reject needs a reason")

	status, data, _ = f.do(t, call{method: http.MethodPost, path: approve, token: f.tokens[model.AuthorityHuman]})
	require.Equal(t, http.StatusOK, status)
	act := decode[model.HumanActionResponse](t, data)
	assert.Equal(t, model.RequestApproved, act.Status)
	assert.Equal(t, uint64(1), act.Sequence)

	status, data, _ = f.do(t, call{method: http.MethodPost, path: approve, token: f.tokens[model.AuthorityHuman]})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[model.HumanActionResponse](t, data).AlreadyResolved)

	status, _, _ = f.do(t, call{method: http.MethodPost, path: "/v1/requests/nope/approve", token: f.tokens[model.AuthorityHuman]})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPrecedentCheck(t *testing.T) {
	f := newFixture(t)
	status, data, _ := f.do(t, call{method: http.MethodPost, path: "/v1/precedent/check",
		body:  model.PrecedentCheckRequest{Summary: "Add logging to scanner"},
		token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(precedent.VerdictNovel), decode[model.PrecedentCheckResponse](t, data).Verdict)
}

func propose(t *testing.T, f fixture, title string) string {
	t.Helper()
	status, data, _ := f.do(t, call{method: http.MethodPost, path: "/api/governance/propose",
		body: model.ProposeRequest{
			Title:    title,
			Summary:  title + " for the harvester",
			FilePath: "scanner/harvest.go",
			Diff:     "+log.Println(\"scan\")",
		},
		token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusCreated, status)
	res := decode[model.ProposeResponse](t, data)
	require.Equal(t, string(model.StatusPending), res.Status)
	return res.CommitID
}

func TestRejectProposalWithoutReasonLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	id := propose(t, f, "Add logging")

	status, _, e := f.do(t, call{method: http.MethodPost, path: "/api/governance/reject",
		body: model.RatifyRequest{CommitID: id, Reason: "   "}, token: f.tokens[model.AuthorityHuman]})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, e.Code)

	_, err := os.Stat(filepath.Join(f.ledgerDir, id+".pending"))
	assert.NoError(t, err, "pending file must survive a refused reject")
	_, err = os.Stat(filepath.Join(f.ledgerDir, id+".rejected"))
	assert.True(t, os.IsNotExist(err))
}

func TestProposalLifecycle(t *testing.T) {
	f := newFixture(t)
	rejected := propose(t, f, "Add logging")
	approved := propose(t, f, "Tune retries")

	status, data, _ := f.do(t, call{method: http.MethodGet, path: "/api/governance/pending", token: f.tokens[model.AuthorityHuman]})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.ProposalSummary](t, data), 2)

	status, _, _ = f.do(t, call{method: http.MethodPost, path: "/api/governance/approve",
		body: model.RatifyRequest{CommitID: approved}, token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusForbidden, status)

	status, data, _ = f.do(t, call{method: http.MethodPost, path: "/api/governance/approve",
		body: model.RatifyRequest{CommitID: approved}, token: f.tokens[model.AuthorityHuman]})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StatusCommit, decode[model.RatifyResponse](t, data).Status)

	status, data, _ = f.do(t, call{method: http.MethodPost, path: "/api/governance/reject",
		body: model.RatifyRequest{CommitID: rejected, Reason: "too noisy"}, token: f.tokens[model.AuthorityHuman]})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.StatusRejected, decode[model.RatifyResponse](t, data).Status)

	status, _, e := f.do(t, call{method: http.MethodPost, path: "/api/governance/approve",
		body: model.RatifyRequest{CommitID: rejected}, token: f.tokens[model.AuthorityHuman]})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeConflict, e.Code)

	status, data, _ = f.do(t, call{method: http.MethodGet, path: "/api/governance/diff/" + rejected, token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	detail := decode[model.ProposalDetail](t, data)
	assert.Contains(t, detail.Content, "**REJECTED**")
	require.NotNil(t, detail.Proposal.Rejection)
	assert.Equal(t, "too noisy", detail.Proposal.Rejection.Reason)

	status, data, _ = f.do(t, call{method: http.MethodGet, path: "/api/governance/list/rejected", token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.ProposalSummary](t, data), 1)

	status, data, _ = f.do(t, call{method: http.MethodGet, path: "/api/governance/history?limit=1", token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.ProposalSummary](t, data), 1)

	status, _, _ = f.do(t, call{method: http.MethodGet, path: "/api/governance/list/sideways", token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = f.do(t, call{method: http.MethodGet, path: "/api/governance/diff/ZZZZZ", token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusNotFound, status)

	// The approved summary is now precedent for the same kind of change.
	status, data, _ = f.do(t, call{method: http.MethodPost, path: "/api/governance/propose",
		body: model.ProposeRequest{Title: "Tune retries", Summary: "Tune retries for the harvester", FilePath: "scanner/harvest.go"},
		token: f.tokens[model.AuthorityAI]})
	require.Equal(t, http.StatusOK, status)
	auto := decode[model.ProposeResponse](t, data)
	assert.Equal(t, ledger.AutoPrefix+approved, auto.CommitID)
	assert.Equal(t, approved, auto.MatchedCommit)
}

func TestRateLimited(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = lim.Close() })
	f := newFixture(t, func(c *server.ServerConfig) { c.Limiter = lim })

	for i := 0; i < 2; i++ {
		status, _, _ := f.do(t, call{method: http.MethodGet, path: "/v1/state", token: f.tokens[model.AuthorityAI]})
		require.Equal(t, http.StatusOK, status)
	}
	status, _, e := f.do(t, call{method: http.MethodGet, path: "/v1/state", token: f.tokens[model.AuthorityAI]})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, model.ErrCodeRateLimited, e.Code)

	// Another principal has its own bucket, and health is never limited.
	status, _, _ = f.do(t, call{method: http.MethodGet, path: "/v1/state", token: f.tokens[model.AuthorityHuman]})
	assert.Equal(t, http.StatusOK, status)
	status, _, _ = f.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, status)
}

func TestOuterMiddlewaresRunFirstRegisteredOutermost(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	f := newFixture(t, func(c *server.ServerConfig) {
		c.Middlewares = []func(http.Handler) http.Handler{mw("outer"), mw("inner")}
	})

	code, _, _ := f.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
