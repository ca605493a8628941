// Package mcp exposes lead searches as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/steps"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
)

// ServerName and ServerVersion identify the server to MCP clients.
const (
	ServerName    = "leadflow"
	ServerVersion = "1.0.0"
)

// Deps holds the server's collaborators. Store and Hub are optional.
type Deps struct {
	Service  *engine.Service
	Registry steps.StepRegistry
	Store    store.Store
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Server wraps an MCP server with the lead tools.
type Server struct {
	service  *engine.Service
	registry steps.StepRegistry
	store    store.Store
	hub      streaming.EventHub
	logger   *slog.Logger
	jq       *expressions.GoJQEngine

	sessions  *SessionRegistry
	notifier  RunNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a server with all tools registered.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		service:  deps.Service,
		registry: deps.Registry,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		jq:       expressions.NewGoJQEngine(),
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Leadflow finds and qualifies local business leads. Use leads.search to run a search "+
			"from criteria or a free-text prompt, leads.status to check a run, leads.query to list runs, events or steps, "+
			"and leads.cancel to stop an async run."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying server for tests or other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: searchTool(), Handler: s.handleSearch},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func searchTool() mcp.Tool {
	return mcp.NewTool("leads.search",
		mcp.WithDescription("Search for business leads matching criteria or a free-text request"),
		mcp.WithObject("criteria", mcp.Description("Search criteria: businessType, location, targetLeadCount and optional constraints")),
		mcp.WithString("prompt", mcp.Description("Free-text request, e.g. \"10 specialty cafes in Lisbon rated 4.5+\"")),
		mcp.WithBoolean("async", mcp.Description("Return the run id immediately and notify when the run ends")),
		mcp.WithString("query", mcp.Description("jq expression applied to the result")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("leads.status",
		mcp.WithDescription("Get the status or result of a lead search run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("query", mcp.Description("jq expression applied to the result")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("leads.query",
		mcp.WithDescription("Query runs, events, or steps"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "steps"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit, offset, run_id, step_key, event_type)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("leads.cancel",
		mcp.WithDescription("Cancel an in-flight lead search run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}
