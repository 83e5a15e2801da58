package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chispa/internal/metrics"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/internal/submission"
)

// ChispaServerDeps holds the dependencies for creating a ChispaServer.
type ChispaServerDeps struct {
	Submitter *submission.Service
	Store     store.Store
	Counters  metrics.Counters
	Logger    *slog.Logger
}

// ChispaServer wraps an MCP server with runtime-specific tool handlers. It is
// a pure client of the submission service and the store: work submitted over
// MCP lands on the same queues as HTTP traffic.
type ChispaServer struct {
	submitter *submission.Service
	store     store.Store
	counters  metrics.Counters
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewChispaServer creates a new ChispaServer with all 5 tools registered.
func NewChispaServer(deps ChispaServerDeps) *ChispaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ChispaServer{
		submitter: deps.Submitter,
		store:     deps.Store,
		counters:  deps.Counters,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"chispa",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chispa is a queue-based command and workflow runtime. Use chispa.execute to queue a shell command, chispa.workflow to queue a workflow document, chispa.run to check a run, chispa.runs to list runs, and chispa.metrics to read queue counters."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ChispaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ChispaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *ChispaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: workflowTool(), Handler: s.handleWorkflow},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: metricsTool(), Handler: s.handleMetrics},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("chispa.execute",
		mcp.WithDescription("Queue a shell command for sandboxed execution"),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to execute")),
		mcp.WithString("queue", mcp.Description("Target queue (default: default)")),
	)
}

func workflowTool() mcp.Tool {
	return mcp.NewTool("chispa.workflow",
		mcp.WithDescription("Queue a workflow document for execution"),
		mcp.WithString("workflow_yaml", mcp.Required(), mcp.Description("Workflow document (tasks with dependencies, conditions, retries, timeouts)")),
		mcp.WithString("queue", mcp.Description("Target queue (default: default)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("chispa.run",
		mcp.WithDescription("Get a run with its tasks"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to fetch")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("chispa.runs",
		mcp.WithDescription("List all runs"),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("chispa.metrics",
		mcp.WithDescription("Read per-queue submission and processing counters"),
	)
}
