package dualcommit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/notify"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DUALCOMMIT_STATE_DB", filepath.Join(dir, "state.db"))
	t.Setenv("DUALCOMMIT_LEDGER_BACKEND", "file")
	t.Setenv("DUALCOMMIT_LEDGER_DIR", filepath.Join(dir, "commits"))
	t.Setenv("DUALCOMMIT_PRECEDENTS", filepath.Join(dir, "precedents.jsonl"))
	t.Setenv("DUALCOMMIT_VIOLATION_LOG", filepath.Join(dir, "violations.log"))
	t.Setenv("DUALCOMMIT_MONITOR_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("DUALCOMMIT_WEBHOOK_URL", "")
}

func TestNewServesHealth(t *testing.T) {
	setTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen []string
	app, err := New(context.Background(),
		WithLogger(logger),
		WithVersion("1.2.3"),
		WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = append(seen, r.URL.Path)
				next.ServeHTTP(w, r)
			})
		}),
	)
	require.NoError(t, err)
	t.Cleanup(app.close)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "1.2.3", body.Data.Version)
	assert.Equal(t, uint64(0), body.Data.Sequence)
	assert.Equal(t, []string{"/health"}, seen)
}

func TestNewRejectsBadConfig(t *testing.T) {
	setTestEnv(t)
	t.Setenv("DUALCOMMIT_LEDGER_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := New(context.Background(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

type recordingHook struct {
	decisions []Decision
	proposals []ProposalEvent
}

func (h *recordingHook) OnDecision(_ context.Context, d Decision) error {
	h.decisions = append(h.decisions, d)
	return nil
}

func (h *recordingHook) OnProposal(_ context.Context, ev ProposalEvent) error {
	h.proposals = append(h.proposals, ev)
	return nil
}

func TestHookAdapterConvertsEvents(t *testing.T) {
	h := &recordingHook{}
	a := hookAdapter{h}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := a.OnDecision(context.Background(), notify.DecisionEvent{
		Request: model.ModificationRequest{
			RequestID: "r-1", ModType: model.ModState, Target: "memory/theme", NewValue: "dark", Authority: model.AuthorityAI,
		},
		Decision:   model.NewDecision(model.DecisionPendingHuman, model.CodeAwaitingRatification, "needs a human", at),
		Resolution: &model.Resolution{Action: model.ActionApprove, ResolvedAt: at, Sequence: 4},
		Sequence:   4,
	})
	require.NoError(t, err)
	require.Len(t, h.decisions, 1)
	d := h.decisions[0]
	assert.Equal(t, "PENDING_HUMAN", d.Type)
	assert.Equal(t, "memory/theme", d.Target)
	assert.Equal(t, "approve", d.Resolution)
	assert.Equal(t, uint64(4), d.Sequence)

	require.NoError(t, a.OnProposal(context.Background(), notify.ProposalEvent{
		Kind: notify.ProposalSettled, CommitID: "AUTO:3G0A1", MatchedCommit: "3G0A1", At: at,
	}))
	require.Len(t, h.proposals, 1)
	assert.Equal(t, ProposalSettled, h.proposals[0].Kind)
	assert.Equal(t, "3G0A1", h.proposals[0].MatchedCommit)
}
