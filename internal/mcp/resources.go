package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	stateURI          = "dualcommit://state"
	proposalURIPrefix = "dualcommit://proposals/"
)

func (s *Server) registerResources() {
	// dualcommit://state: sequence, head hash and backlog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			stateURI,
			"Gate State",
			mcplib.WithResourceDescription("Applied sequence, chain head and pending counts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleState,
	)

	// dualcommit://proposals/{commit_id}: one ledger entry with its content.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			proposalURIPrefix+"{commit_id}",
			"Proposal",
			mcplib.WithTemplateDescription("A commit ledger entry and its rendered markdown"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleProposal,
	)
}

func (s *Server) handleState(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	st, err := s.svc.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: state: %w", err)
	}
	health, err := s.svc.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: state: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"sequence":          st.Sequence,
		"head_hash":         st.HeadHash,
		"updated_at":        st.UpdatedAt,
		"pending_requests":  health.PendingRequests,
		"pending_commits":   health.PendingCommits,
		"last_ratification": health.LastRatification,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal state: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: stateURI, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) handleProposal(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	commitID, ok := strings.CutPrefix(uri, proposalURIPrefix)
	if !ok || commitID == "" || strings.Contains(commitID, "/") {
		return nil, fmt.Errorf("mcp: invalid proposal URI: %s", uri)
	}

	detail, err := s.svc.Proposal(ctx, commitID)
	if err != nil {
		return nil, fmt.Errorf("mcp: proposal %s: %w", commitID, err)
	}
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal proposal: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
