package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-change: walks the agent through precedent and pending checks.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-change",
			mcplib.WithPromptDescription("Check precedent and pending proposals before proposing a change"),
			mcplib.WithArgument("summary",
				mcplib.ArgumentDescription("One-line summary of the change you intend to make"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeChangePrompt,
	)

	// agent-setup: system prompt snippet for the gate workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Dual Commit workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeChangePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	summary := request.Params.Arguments["summary"]
	if summary == "" {
		return nil, fmt.Errorf("summary argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Check precedent before proposing: " + summary,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before proposing "%s":

1. Call dualcommit_check_precedent with summary=%q.
2. Call dualcommit_list_proposals to see whether an equivalent proposal is already pending.
3. If the verdict is AUTO_APPROVE or DISTRIBUTED, propose it; it will be applied from precedent.
4. If the verdict is NOVEL, propose it and tell the user a human must ratify it.
5. Never try to approve or reject a proposal yourself.`, summary, summary),
				},
			},
		},
	}, nil
}

const agentSetupText = `You work behind a Dual Commit governance gate. Nothing you propose changes
live state until the gate decides, and only humans ratify.

Workflow:
- Before a code change: dualcommit_check_precedent, then dualcommit_propose.
- For a live-state change: dualcommit_submit. Read the decision it returns.
  AUTO_APPROVE and DISTRIBUTED mean applied. PENDING_HUMAN means wait.
  REJECTED explains why (usually sequence or authority). HALT means the
  target is protected; stop and tell the user.
- Retry a submit with the same idempotency_key; never resubmit with a new one.
- Read dualcommit://state for the current sequence and backlog.`

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Dual Commit agent workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: agentSetupText},
			},
		},
	}, nil
}
