package gate_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dualcommit/internal/gate"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/policy"
	"github.com/ashita-ai/dualcommit/internal/precedent"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	fixed   = time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
)

type fakeSnapshot struct {
	seq   uint64
	prior map[string]gate.Prior
	err   error
}

func (f fakeSnapshot) Sequence() uint64 { return f.seq }

func (f fakeSnapshot) PriorDecision(_ context.Context, req model.ModificationRequest) (gate.Prior, bool, error) {
	if f.err != nil {
		return gate.Prior{}, false, f.err
	}
	p, ok := f.prior[req.ReplayKey()]
	return p, ok, nil
}

type fakePrecedent struct {
	res   precedent.Result
	err   error
	calls int
}

func (f *fakePrecedent) Check(context.Context, precedent.Query) (precedent.Result, error) {
	f.calls++
	return f.res, f.err
}

func newGate(t *testing.T, pc gate.PrecedentChecker) *gate.Gatekeeper {
	t.Helper()
	opts := []gate.Option{gate.WithClock(func() time.Time { return fixed })}
	if pc != nil {
		opts = append(opts, gate.WithPrecedent(pc))
	}
	return gate.New(policy.Default(), discard, opts...)
}

func req(mt model.ModType, target string, auth model.Authority, seq uint64) model.ModificationRequest {
	return model.ModificationRequest{
		RequestID: "req-" + target,
		ModType:   mt,
		Target:    target,
		NewValue:  "v",
		Reason:    "test",
		Authority: auth,
		Sequence:  seq,
	}
}

func TestValidate_RoutineAutoApprove(t *testing.T) {
	g := newGate(t, nil)
	ev, err := g.Validate(context.Background(), req(model.ModState, "artifacts/reddit/x.jpg", model.AuthoritySystem, 1), fakeSnapshot{seq: 0})
	require.NoError(t, err)

	assert.Equal(t, model.DecisionAutoApprove, ev.Decision.Type)
	assert.Equal(t, model.CodeRoutinePolicy, ev.Decision.Code)
	assert.True(t, ev.Decision.Approved)
	assert.False(t, ev.Replayed())
	require.Len(t, ev.Events, 1)
	assert.Equal(t, uint64(1), ev.Events[0].Sequence)
	assert.Equal(t, "artifacts/reddit/x.jpg", ev.Events[0].Target)
	assert.Equal(t, fixed, ev.Events[0].AppliedAt)
}

func TestValidate_ProtectedHaltsBeforeEverything(t *testing.T) {
	g := newGate(t, nil)
	// Wrong sequence and unknown authority: protection still wins.
	ev, err := g.Validate(context.Background(), req(model.ModConfig, "governance/policy.yaml", "ROOT", 99), fakeSnapshot{seq: 0})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionHalt, ev.Decision.Type)
	assert.Equal(t, model.CodeProtectedTarget, ev.Decision.Code)
	assert.False(t, ev.Decision.Approved)
	assert.Empty(t, ev.Events)
}

func TestValidate_SequenceConflict(t *testing.T) {
	g := newGate(t, nil)
	ev, err := g.Validate(context.Background(), req(model.ModState, "artifacts/reddit/x.jpg", model.AuthoritySystem, 1), fakeSnapshot{seq: 1})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRejected, ev.Decision.Type)
	assert.True(t, ev.Decision.IsConflict())
	assert.Contains(t, ev.Decision.Reason, "expected 2, got 1")
	assert.Empty(t, ev.Events)
}

func priorFor(t *testing.T, r model.ModificationRequest, requestID string, d model.Decision) fakeSnapshot {
	t.Helper()
	h, err := r.PayloadHash()
	require.NoError(t, err)
	return fakeSnapshot{seq: 5, prior: map[string]gate.Prior{
		r.ReplayKey(): {RequestID: requestID, Decision: d, PayloadHash: h},
	}}
}

func TestValidate_Replay(t *testing.T) {
	g := newGate(t, nil)
	original := model.NewDecision(model.DecisionPendingHuman, model.CodeAwaitingRatification, "waiting", fixed.Add(-time.Hour))

	r := req(model.ModState, "memory/x", model.AuthorityAI, 1) // stale sequence, still a replay
	r.IdempotencyKey = "idem-1"
	snap := priorFor(t, r, "req-orig", original)

	ev, err := g.Validate(context.Background(), r, snap)
	require.NoError(t, err)
	assert.Equal(t, original, ev.Decision)
	assert.Equal(t, "req-orig", ev.ReplayOf)
	assert.True(t, ev.Replayed())
	assert.False(t, ev.Unrecorded)
	assert.Empty(t, ev.Events)
}

func TestValidate_ReplayKeyReusedWithDifferentPayload(t *testing.T) {
	g := newGate(t, nil)
	approved := model.NewDecision(model.DecisionAutoApprove, model.CodeRoutinePolicy, "routine", fixed.Add(-time.Hour))

	first := req(model.ModState, "artifacts/reddit/x.jpg", model.AuthoritySystem, 1)
	first.IdempotencyKey = "k"
	snap := priorFor(t, first, "req-orig", approved)

	second := req(model.ModState, "artifacts/reddit/y.jpg", model.AuthoritySystem, 6)
	second.IdempotencyKey = "k"
	_, err := g.Validate(context.Background(), second, snap)
	require.ErrorIs(t, err, model.ErrReplayMismatch)
	assert.Contains(t, err.Error(), "req-orig")
}

func TestValidate_ProtectedTargetNeverReplaysApproval(t *testing.T) {
	g := newGate(t, nil)
	approved := model.NewDecision(model.DecisionAutoApprove, model.CodeRoutinePolicy, "routine", fixed.Add(-time.Hour))

	tests := []struct {
		name   string
		prior  model.ModificationRequest
		submit model.ModificationRequest
	}{
		{
			name:   "key of another request",
			prior:  req(model.ModState, "artifacts/reddit/x.jpg", model.AuthoritySystem, 1),
			submit: req(model.ModConfig, "governance/policy.yaml", model.AuthoritySystem, 6),
		},
		{
			name:   "same payload approved before the target was protected",
			prior:  req(model.ModConfig, "governance/policy.yaml", model.AuthoritySystem, 1),
			submit: req(model.ModConfig, "governance/policy.yaml", model.AuthoritySystem, 6),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.prior.IdempotencyKey, tt.submit.IdempotencyKey = "k", "k"
			ev, err := g.Validate(context.Background(), tt.submit, priorFor(t, tt.prior, "req-orig", approved))
			require.NoError(t, err)
			assert.Equal(t, model.DecisionHalt, ev.Decision.Type)
			assert.Equal(t, model.CodeProtectedTarget, ev.Decision.Code)
			assert.False(t, ev.Decision.Approved)
			assert.False(t, ev.Replayed())
			assert.True(t, ev.Unrecorded, "the key already belongs to req-orig")
			assert.Empty(t, ev.Events)
		})
	}
}

func TestValidate_ProtectedTargetReplaysHalt(t *testing.T) {
	g := newGate(t, nil)
	halt := model.NewDecision(model.DecisionHalt, model.CodeProtectedTarget, "protected", fixed.Add(-time.Hour))

	r := req(model.ModConfig, "governance/policy.yaml", model.AuthorityAI, 1)
	r.IdempotencyKey = "k"
	ev, err := g.Validate(context.Background(), r, priorFor(t, r, "req-orig", halt))
	require.NoError(t, err)
	assert.Equal(t, halt, ev.Decision)
	assert.Equal(t, "req-orig", ev.ReplayOf)
}

func TestValidate_Authority(t *testing.T) {
	g := newGate(t, nil)

	ev, err := g.Validate(context.Background(), req(model.ModState, "memory/x", "ROOT", 1), fakeSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, model.CodeUnknownAuthority, ev.Decision.Code)
	assert.Equal(t, model.DecisionRejected, ev.Decision.Type)

	ev, err = g.Validate(context.Background(), req(model.ModConfig, "limits/max", model.AuthoritySystem, 1), fakeSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, model.CodeInsufficientAuthority, ev.Decision.Code)
}

func TestValidate_Precedent(t *testing.T) {
	tests := []struct {
		name    string
		verdict precedent.Verdict
		typ     model.DecisionType
		code    model.DecisionCode
		events  int
	}{
		{"local", precedent.VerdictAutoApprove, model.DecisionAutoApprove, model.CodeLocalPrecedent, 1},
		{"neighbor", precedent.VerdictDistributed, model.DecisionDistributed, model.CodeNeighborPrecedent, 1},
		{"novel", precedent.VerdictNovel, model.DecisionPendingHuman, model.CodeAwaitingRatification, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := &fakePrecedent{res: precedent.Result{Verdict: tt.verdict, Reason: "r", MatchedCommit: "3A9F2", Source: "team-b"}}
			g := newGate(t, pc)
			ev, err := g.Validate(context.Background(), req(model.ModConfig, "limits/max", model.AuthorityAI, 1), fakeSnapshot{})
			require.NoError(t, err)
			assert.Equal(t, tt.typ, ev.Decision.Type)
			assert.Equal(t, tt.code, ev.Decision.Code)
			assert.Len(t, ev.Events, tt.events)
			assert.Equal(t, 1, pc.calls)
			if tt.events > 0 {
				assert.Equal(t, "3A9F2", ev.Decision.PrecedentRef)
				assert.Equal(t, "team-b", ev.Decision.PrecedentSource)
			}
		})
	}
}

func TestValidate_RoutineSkipsPrecedent(t *testing.T) {
	pc := &fakePrecedent{res: precedent.Result{Verdict: precedent.VerdictNovel}}
	g := newGate(t, pc)
	ev, err := g.Validate(context.Background(), req(model.ModFileLocation, "artifacts/a/b.png", model.AuthorityHuman, 1), fakeSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, model.CodeRoutinePolicy, ev.Decision.Code)
	assert.Zero(t, pc.calls)
}

func TestValidate_NoPrecedentPending(t *testing.T) {
	g := newGate(t, nil)
	ev, err := g.Validate(context.Background(), req(model.ModState, "memory/notes", model.AuthorityAI, 1), fakeSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionPendingHuman, ev.Decision.Type)
	assert.True(t, ev.Decision.RequiresHuman)
	assert.NotEmpty(t, ev.Decision.Reason)
}

func TestValidate_InfrastructureErrors(t *testing.T) {
	boom := errors.New("disk on fire")

	g := newGate(t, nil)
	_, err := g.Validate(context.Background(), req(model.ModState, "memory/x", model.AuthorityAI, 1), fakeSnapshot{err: boom})
	assert.ErrorIs(t, err, boom)

	g = newGate(t, &fakePrecedent{err: boom})
	_, err = g.Validate(context.Background(), req(model.ModState, "memory/x", model.AuthorityAI, 1), fakeSnapshot{})
	assert.ErrorIs(t, err, boom)
}
