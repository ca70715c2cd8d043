package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/auth"
	"github.com/ashita-ai/dualcommit/internal/ctxutil"
	"github.com/ashita-ai/dualcommit/internal/gate"
	"github.com/ashita-ai/dualcommit/internal/ledger"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/policy"
	"github.com/ashita-ai/dualcommit/internal/precedent"
	"github.com/ashita-ai/dualcommit/internal/service/governance"
	"github.com/ashita-ai/dualcommit/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T) (*Server, *governance.Service) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "state.db"), discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := policy.Default()
	local := precedent.NewFileLedger(filepath.Join(dir, "precedents.jsonl"), discard)
	checker := precedent.FromPolicy(p, local, discard)
	backend, err := ledger.NewFileBackend(filepath.Join(dir, "commits"), discard)
	require.NoError(t, err)

	svc := governance.New(governance.Deps{
		Store:     st,
		Gate:      gate.New(p, discard, gate.WithPrecedent(checker)),
		Ledger:    ledger.NewService(backend, discard, ledger.WithPrecedent(checker, local)),
		Precedent: checker,
		Recorder:  local,
		Version:   "test",
	}, discard)
	return New(svc, discard, "test"), svc
}

func ctxAs(id string, a model.Authority) context.Context {
	claims := &auth.Claims{Authority: a}
	claims.Subject = id
	return ctxutil.WithClaims(context.Background(), claims)
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText decodes the JSON text content of a successful tool result.
func parseToolText[T any](t *testing.T, res *mcplib.CallToolResult) T {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content")
	require.False(t, res.IsError, "tool error: %s", text.Text)
	var out T
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func toolErrorText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.True(t, res.IsError)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestSubmit_RoutineApplied(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := ctxAs("harvester", model.AuthoritySystem)

	res, err := s.handleSubmit(ctx, callTool("dualcommit_submit", map[string]any{
		"mod_type":  "FILE_LOCATION",
		"target":    "artifacts/jpg/001.jpg",
		"new_value": "archive/jpg/001.jpg",
		"reason":    "route by extension",
	}))
	require.NoError(t, err)
	out := parseToolText[model.SubmitResponse](t, res)
	assert.Equal(t, model.DecisionAutoApprove, out.Decision.Type)
	assert.Equal(t, model.RequestApproved, out.Status)
	assert.Equal(t, uint64(1), out.Sequence)

	v, err := svc.Value(context.Background(), "artifacts/jpg/001.jpg")
	require.NoError(t, err)
	assert.Equal(t, "archive/jpg/001.jpg", v.Value)
}

func TestSubmit_ReplayByIdempotencyKey(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := ctxAs("harvester", model.AuthoritySystem)
	args := map[string]any{
		"mod_type":        "FILE_LOCATION",
		"target":          "artifacts/png/a.png",
		"new_value":       "archive/png/a.png",
		"reason":          "route",
		"idempotency_key": "retry-1",
	}

	first := parseToolText[model.SubmitResponse](t, mustCall(t, s.handleSubmit, ctx, callTool("dualcommit_submit", args)))
	second := parseToolText[model.SubmitResponse](t, mustCall(t, s.handleSubmit, ctx, callTool("dualcommit_submit", args)))

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, uint64(1), second.Sequence)
}

func TestSubmit_KeyReusedForDifferentChange(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := ctxAs("harvester", model.AuthoritySystem)
	args := map[string]any{
		"mod_type":        "FILE_LOCATION",
		"target":          "artifacts/png/a.png",
		"new_value":       "archive/png/a.png",
		"reason":          "route",
		"idempotency_key": "retry-1",
	}
	parseToolText[model.SubmitResponse](t, mustCall(t, s.handleSubmit, ctx, callTool("dualcommit_submit", args)))

	args["target"], args["new_value"] = "artifacts/png/b.png", "archive/png/b.png"
	msg := toolErrorText(t, mustCall(t, s.handleSubmit, ctx, callTool("dualcommit_submit", args)))
	assert.Contains(t, msg, "different payload")

	_, err := svc.Value(context.Background(), "artifacts/png/b.png")
	assert.Error(t, err)
}

func TestSubmit_ProtectedTargetHalts(t *testing.T) {
	s, _ := newTestServer(t)
	res := mustCall(t, s.handleSubmit, ctxAs("agent-7", model.AuthorityAI), callTool("dualcommit_submit", map[string]any{
		"mod_type":  "CONFIG",
		"target":    "governance/policy.yaml",
		"new_value": "tiers: []",
		"reason":    "simplify",
	}))
	out := parseToolText[model.SubmitResponse](t, res)
	assert.Equal(t, model.DecisionHalt, out.Decision.Type)
	assert.Equal(t, model.RequestHalted, out.Status)
	assert.Equal(t, uint64(0), out.Sequence)
}

func TestSubmit_RequiresClaims(t *testing.T) {
	s, _ := newTestServer(t)
	res := mustCall(t, s.handleSubmit, context.Background(), callTool("dualcommit_submit", map[string]any{
		"mod_type": "STATE", "target": "k", "new_value": "v", "reason": "r",
	}))
	assert.Contains(t, toolErrorText(t, res), "authentication required")
}

func TestSubmit_BadModType(t *testing.T) {
	s, _ := newTestServer(t)
	res := mustCall(t, s.handleSubmit, ctxAs("agent-7", model.AuthorityAI), callTool("dualcommit_submit", map[string]any{
		"mod_type": "TELEPORT", "target": "k", "new_value": "v", "reason": "r",
	}))
	toolErrorText(t, res)
}

func TestPropose_NovelIsPendingAndTracksCheck(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := ctxAs("agent-7", model.AuthorityAI)

	check := parseToolText[model.PrecedentCheckResponse](t, mustCall(t, s.handleCheckPrecedent, ctx,
		callTool("dualcommit_check_precedent", map[string]any{"summary": "Add retry to fetcher"})))
	assert.Equal(t, string(precedent.VerdictNovel), check.Verdict)

	type proposeOut struct {
		model.ProposeResponse
		CheckedPrecedent bool `json:"checked_precedent"`
	}
	out := parseToolText[proposeOut](t, mustCall(t, s.handlePropose, ctx, callTool("dualcommit_propose", map[string]any{
		"title":     "Retry fetcher",
		"summary":   "Add retry to fetcher",
		"file_path": "internal/fetch/fetch.go",
		"diff":      "--- a\n+++ b\n",
	})))
	assert.Equal(t, string(model.StatusPending), out.Status)
	assert.True(t, out.CheckedPrecedent)
	assert.NotEmpty(t, out.CommitID)

	detail, err := svc.Proposal(context.Background(), out.CommitID)
	require.NoError(t, err)
	assert.Equal(t, "agent-7", detail.Proposal.Proposer)
	assert.Equal(t, "AI", detail.Proposal.TrustLevel)
}

func TestPropose_WithoutCheck(t *testing.T) {
	s, _ := newTestServer(t)
	res := mustCall(t, s.handlePropose, ctxAs("agent-7", model.AuthorityAI), callTool("dualcommit_propose", map[string]any{
		"title":     "Rename var",
		"summary":   "Rename x to count",
		"file_path": "main.go",
		"diff":      "-x\n+count\n",
	}))
	type proposeOut struct {
		CheckedPrecedent bool `json:"checked_precedent"`
	}
	out := parseToolText[proposeOut](t, res)
	assert.False(t, out.CheckedPrecedent)
}

func TestPropose_RatifiedPrecedentAutoApproves(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := ctxAs("agent-7", model.AuthorityAI)
	args := map[string]any{
		"title":     "Bump timeout",
		"summary":   "Raise fetch timeout to 30s",
		"file_path": "internal/fetch/fetch.go",
		"diff":      "-10s\n+30s\n",
	}
	first := parseToolText[model.ProposeResponse](t, mustCall(t, s.handlePropose, ctx, callTool("dualcommit_propose", args)))
	_, err := svc.ApproveProposal(context.Background(), governance.Actor{ID: "kart", Authority: model.AuthorityHuman}, first.CommitID)
	require.NoError(t, err)

	second := parseToolText[model.ProposeResponse](t, mustCall(t, s.handlePropose, ctx, callTool("dualcommit_propose", args)))
	assert.Equal(t, "auto_approved", second.Status)
	assert.Equal(t, string(precedent.VerdictAutoApprove), second.Verdict)
	assert.Equal(t, first.CommitID, second.MatchedCommit)
}

func TestCheckPrecedent_RequiresSummary(t *testing.T) {
	s, _ := newTestServer(t)
	res := mustCall(t, s.handleCheckPrecedent, ctxAs("agent-7", model.AuthorityAI),
		callTool("dualcommit_check_precedent", map[string]any{"summary": "  "}))
	assert.Contains(t, toolErrorText(t, res), "summary is required")
}

func TestListProposals(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := ctxAs("agent-7", model.AuthorityAI)
	mustCall(t, s.handlePropose, ctx, callTool("dualcommit_propose", map[string]any{
		"title": "A", "summary": "first change", "file_path": "a.go", "diff": "+a\n",
	}))

	type listOut struct {
		Status    string                  `json:"status"`
		Proposals []model.ProposalSummary `json:"proposals"`
		Total     int                     `json:"total"`
	}
	out := parseToolText[listOut](t, mustCall(t, s.handleListProposals, ctx, callTool("dualcommit_list_proposals", nil)))
	assert.Equal(t, "pending", out.Status)
	assert.Equal(t, 1, out.Total)

	res := mustCall(t, s.handleListProposals, ctx, callTool("dualcommit_list_proposals", map[string]any{"status": "draft"}))
	toolErrorText(t, res)
}

func TestStateResource(t *testing.T) {
	s, _ := newTestServer(t)
	mustCall(t, s.handleSubmit, ctxAs("agent-7", model.AuthorityAI), callTool("dualcommit_submit", map[string]any{
		"mod_type": "STATE", "target": "memory/theme", "new_value": "dark", "reason": "user asked",
	}))

	contents, err := s.handleState(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: stateURI},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	assert.EqualValues(t, 0, out["sequence"])
	assert.EqualValues(t, 1, out["pending_requests"])
}

func TestProposalResource_BadURI(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.handleProposal(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "dualcommit://proposals/"},
	})
	assert.Error(t, err)
}

func TestPrompts(t *testing.T) {
	s, _ := newTestServer(t)

	_, err := s.handleBeforeChangePrompt(context.Background(), mcplib.GetPromptRequest{})
	assert.Error(t, err)

	var req mcplib.GetPromptRequest
	req.Params.Arguments = map[string]string{"summary": "Add retry"}
	res, err := s.handleBeforeChangePrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	text, ok := res.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "dualcommit_check_precedent")

	setup, err := s.handleAgentSetupPrompt(context.Background(), mcplib.GetPromptRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, setup.Messages)
}

type toolHandler func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error)

func mustCall(t *testing.T, h toolHandler, ctx context.Context, req mcplib.CallToolRequest) *mcplib.CallToolResult {
	t.Helper()
	res, err := h(ctx, req)
	require.NoError(t, err)
	return res
}
