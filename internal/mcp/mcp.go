// Package mcp implements the Model Context Protocol server for the gate.
//
// Agents reach the same governance service as the HTTP API through MCP
// tools and a state resource. Ratification is deliberately absent: only
// humans approve or reject, and they do so over HTTP or dcctl.
package mcp

import (
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/dualcommit/internal/service/governance"
)

// checkWindow is how long a precedent check counts as "recent" for the
// check-before-propose nudge.
const checkWindow = 30 * time.Minute

// Server wraps the MCP server with the governance service.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	svc          *governance.Service
	logger       *slog.Logger
	checkTracker *checkTracker
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(svc *governance.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:          svc,
		logger:       logger,
		checkTracker: newCheckTracker(checkWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"dualcommit",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions("Dual Commit governance gate. Submit state changes and code proposals; "+
			"check precedent first. Approval and rejection are reserved for humans."),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// errorResult returns a tool result flagged as an error. Tool failures are
// reported to the agent, not as protocol errors.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
