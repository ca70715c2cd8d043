package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/dualcommit/internal/ctxutil"
	"github.com/ashita-ai/dualcommit/internal/model"
	"github.com/ashita-ai/dualcommit/internal/precedent"
)

func (s *Server) registerTools() {
	// dualcommit_check_precedent: look for a ratified decision that covers a proposal.
	s.mcpServer.AddTool(
		mcplib.NewTool("dualcommit_check_precedent",
			mcplib.WithDescription(`Check whether a ratified precedent already covers a change.

WHEN TO USE: BEFORE proposing a code change. If a human already ratified an
equivalent proposal, the change is applied without waiting for review.

WHAT YOU GET BACK:
- verdict: AUTO_APPROVE (local precedent), DISTRIBUTED (neighbor precedent)
  or NOVEL (a human must ratify)
- matched_commit: the ratified commit that matched, if any
- reason: why the verdict was reached`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("summary",
				mcplib.Description("One-line summary of the change, as it would appear in the proposal"),
				mcplib.Required(),
			),
			mcplib.WithString("proposal_type",
				mcplib.Description("Proposal type. Defaults to \"Code Enhancement\"."),
			),
			mcplib.WithString("trust_level",
				mcplib.Description("Trust level of the proposer. Defaults to your authority."),
			),
		),
		s.handleCheckPrecedent,
	)

	// dualcommit_propose: record a code proposal in the commit ledger.
	s.mcpServer.AddTool(
		mcplib.NewTool("dualcommit_propose",
			mcplib.WithDescription(`Propose a code change for human ratification.

IMPORTANT: Call dualcommit_check_precedent FIRST. A matching precedent
settles the proposal immediately; otherwise it waits for a human.

WHAT YOU GET BACK:
- commit_id: the ledger id. AUTO: and DIST: prefixes mean precedent decided it.
- status: pending, auto_approved (local precedent) or distributed (neighbor precedent)
- checked_precedent: whether you checked precedent for this type recently

You cannot approve or reject proposals. Only humans ratify.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("title", mcplib.Description("Short title"), mcplib.Required()),
			mcplib.WithString("summary", mcplib.Description("One-line summary of the change"), mcplib.Required()),
			mcplib.WithString("file_path", mcplib.Description("Path of the file the change touches"), mcplib.Required()),
			mcplib.WithString("diff", mcplib.Description("Unified diff of the change"), mcplib.Required()),
			mcplib.WithString("proposer", mcplib.Description("Defaults to your authenticated identity")),
			mcplib.WithString("proposal_type", mcplib.Description("Defaults to \"Code Enhancement\"")),
			mcplib.WithString("trust_level", mcplib.Description("Defaults to your authority")),
			mcplib.WithString("risk_level", mcplib.Description("LOW, MEDIUM or HIGH. Defaults to LOW.")),
			mcplib.WithString("reversible", mcplib.Description("Whether the change can be reverted. Defaults to YES.")),
		),
		s.handlePropose,
	)

	// dualcommit_submit: submit a live-state modification to the gate.
	s.mcpServer.AddTool(
		mcplib.NewTool("dualcommit_submit",
			mcplib.WithDescription(`Submit a modification to live state through the gate.

The gate decides immediately. Routine changes and changes covered by
precedent are applied; protected targets HALT; everything else waits for a
human. Your authority comes from your credentials.

Use idempotency_key when retrying: a repeated key with the same change
returns the original decision instead of deciding again. Reusing a key for a
different change is an error.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("mod_type",
				mcplib.Description("STATE, FILE_LOCATION or CONFIG"),
				mcplib.Enum("STATE", "FILE_LOCATION", "CONFIG"),
				mcplib.Required(),
			),
			mcplib.WithString("target", mcplib.Description("Target key or path"), mcplib.Required()),
			mcplib.WithString("new_value", mcplib.Description("Value to set"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why the change is needed"), mcplib.Required()),
			mcplib.WithString("old_value", mcplib.Description("Expected current value, if known")),
			mcplib.WithNumber("sequence",
				mcplib.Description("Expected sequence number. Omit to take the next one."),
				mcplib.Min(0),
			),
			mcplib.WithString("idempotency_key", mcplib.Description("Retry key")),
		),
		s.handleSubmit,
	)

	// dualcommit_list_proposals: read the commit ledger.
	s.mcpServer.AddTool(
		mcplib.NewTool("dualcommit_list_proposals",
			mcplib.WithDescription(`List commit ledger proposals by status.

Use this to see what is waiting for ratification before proposing
something that may already be pending.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("pending, commit, rejected or applied. Defaults to pending."),
				mcplib.Enum("pending", "commit", "rejected", "applied"),
			),
		),
		s.handleListProposals,
	)
}

func (s *Server) handleCheckPrecedent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	summary := strings.TrimSpace(request.GetString("summary", ""))
	if summary == "" {
		return errorResult("summary is required"), nil
	}
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	p := model.Proposal{
		ProposalType: request.GetString("proposal_type", ""),
		TrustLevel:   request.GetString("trust_level", string(claims.Authority)),
	}
	p.ApplyDefaults()

	res, err := s.svc.CheckPrecedent(ctx, precedent.Query{
		ProposalType: p.ProposalType,
		TrustLevel:   p.TrustLevel,
		Summary:      summary,
		Proposer:     claims.PrincipalID(),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("precedent check failed: %v", err)), nil
	}
	s.checkTracker.Record(claims.PrincipalID(), p.ProposalType)

	return jsonResult(model.PrecedentCheckResponse{
		Verdict:       string(res.Verdict),
		Reason:        res.Reason,
		MatchedCommit: res.MatchedCommit,
		Source:        res.Source,
	})
}

func (s *Server) handlePropose(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	body := model.ProposeRequest{
		Title:        request.GetString("title", ""),
		Proposer:     request.GetString("proposer", claims.PrincipalID()),
		Summary:      request.GetString("summary", ""),
		FilePath:     request.GetString("file_path", ""),
		Diff:         request.GetString("diff", ""),
		ProposalType: request.GetString("proposal_type", ""),
		TrustLevel:   request.GetString("trust_level", string(claims.Authority)),
		RiskLevel:    request.GetString("risk_level", ""),
		Reversible:   request.GetString("reversible", ""),
	}
	p := body.Proposal()

	res, err := s.svc.Propose(ctx, p)
	if err != nil {
		return errorResult(fmt.Sprintf("propose failed: %v", err)), nil
	}

	status := res.Status()
	checked := s.checkTracker.WasChecked(claims.PrincipalID(), p.ProposalType)
	if !checked {
		s.logger.Info("mcp: proposal without precedent check",
			"principal", claims.PrincipalID(),
			"proposal_type", p.ProposalType,
			"commit_id", res.CommitID,
		)
	}

	return jsonResult(struct {
		model.ProposeResponse
		CheckedPrecedent bool `json:"checked_precedent"`
	}{
		ProposeResponse: model.ProposeResponse{
			CommitID:      res.CommitID,
			Status:        status,
			Verdict:       string(res.Verdict),
			MatchedCommit: res.MatchedCommit,
		},
		CheckedPrecedent: checked,
	})
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil || claims.Authority == "" {
		return errorResult("authentication required: submissions carry the caller's authority"), nil
	}
	modType, err := model.ParseModType(request.GetString("mod_type", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	seq := request.GetInt("sequence", 0)
	if seq < 0 {
		return errorResult("sequence must not be negative"), nil
	}

	req := model.ModificationRequest{
		ModType:        modType,
		Target:         request.GetString("target", ""),
		NewValue:       request.GetString("new_value", ""),
		Reason:         request.GetString("reason", ""),
		Authority:      claims.Authority,
		Sequence:       uint64(seq),
		IdempotencyKey: request.GetString("idempotency_key", ""),
	}
	if old := request.GetString("old_value", ""); old != "" {
		req.OldValue = &old
	}

	res, err := s.svc.Submit(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return jsonResult(model.SubmitResponse{
		RequestID: res.RequestID,
		Decision:  res.Decision,
		Status:    res.Status,
		Sequence:  res.State.Sequence,
		Replayed:  res.Replayed,
	})
}

func (s *Server) handleListProposals(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status, err := model.ParseProposalStatus(request.GetString("status", string(model.StatusPending)))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	list, err := s.svc.ListProposals(ctx, status)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	if list == nil {
		list = []model.ProposalSummary{}
	}
	return jsonResult(map[string]any{
		"status":    status,
		"proposals": list,
		"total":     len(list),
	})
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}
