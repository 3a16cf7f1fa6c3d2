// Package mcp exposes idflow as a Model Context Protocol tool server.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/idflow/internal/engine"
	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
)

// WorkflowRunner runs, submits and cancels workflow executions. Satisfied by
// *engine.Engine.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID int64, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error)
	Submit(ctx context.Context, workflowID int64, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error)
	Cancel(ctx context.Context, executionID int64) error
}

// DataSyncer synchronizes data sources. Satisfied by *syncer.Engine.
type DataSyncer interface {
	SyncData(ctx context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error)
	Enqueue(ctx context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error)
}

// ServerDeps holds the dependencies of a Server.
type ServerDeps struct {
	Runner WorkflowRunner
	Syncer DataSyncer
	Store  store.Store
	// FSM, when set, is used to notify MCP sessions when their async runs finish.
	FSM    *engine.ExecutionFSM
	Logger *slog.Logger
}

// Server wraps an MCP server with idflow tool handlers.
type Server struct {
	runner    WorkflowRunner
	syncer    DataSyncer
	store     store.Store
	sessions  *SessionRegistry
	notifier  *Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		runner:   deps.Runner,
		syncer:   deps.Syncer,
		store:    deps.Store,
		sessions: NewSessionRegistry(),
		logger:   logging.OrDefault(deps.Logger),
	}

	mcpSrv := server.NewMCPServer(
		"idflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("idflow runs identity workflows and data-source syncs. Use idflow.run to execute a workflow, idflow.status to inspect an execution, idflow.cancel to stop one, idflow.sync to refresh a data source, idflow.query to list executions, persons or syncs, and idflow.diagram to draw a workflow."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = NewNotifier(mcpSrv, s.sessions, s.logger)
	if deps.FSM != nil {
		s.notifier.Attach(deps.FSM)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for tests or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: syncTool(), Handler: s.handleSync},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

func runTool() mcp.Tool {
	return mcp.NewTool("idflow.run",
		mcp.WithDescription("Run a workflow and return its execution"),
		mcp.WithNumber("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("params", mcp.Description("Initial workflow parameters")),
		mcp.WithString("triggered_by", mcp.Description("Who triggered the run (default: mcp)")),
		mcp.WithBoolean("async", mcp.Description("Return the pending execution immediately and notify this session when it finishes")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("idflow.status",
		mcp.WithDescription("Get a workflow execution and its action executions"),
		mcp.WithNumber("execution_id", mcp.Required(), mcp.Description("ID of the workflow execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("idflow.cancel",
		mcp.WithDescription("Cancel a pending or running workflow execution"),
		mcp.WithNumber("execution_id", mcp.Required(), mcp.Description("ID of the workflow execution")),
	)
}

func syncTool() mcp.Tool {
	return mcp.NewTool("idflow.sync",
		mcp.WithDescription("Synchronize a data source into person profiles"),
		mcp.WithNumber("datasource_id", mcp.Required(), mcp.Description("ID of the data source")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the sync to finish (default: true)")),
		mcp.WithString("triggered_by", mcp.Description("Who triggered the sync (default: mcp)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("idflow.query",
		mcp.WithDescription("Query executions, persons or syncs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "persons", "syncs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, datasource_id, field, value, match, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("idflow.diagram",
		mcp.WithDescription("Draw a workflow as ASCII art, a Mermaid flowchart or a base64-encoded PNG, optionally overlaid with one execution"),
		mcp.WithNumber("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("execution_id", mcp.Description("Execution whose statuses are overlaid")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
