package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/idflow/internal/diagram"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

const defaultTrigger = "mcp"

// handleRun runs a workflow synchronously, or submits it when async is set.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, ok := requireID(req.GetArguments(), "workflow_id")
	if !ok {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)
	triggeredBy := req.GetString("triggered_by", defaultTrigger)

	if !mcp.ParseBoolean(req, "async", false) {
		exec, err := s.runner.RunWorkflow(ctx, workflowID, params, triggeredBy)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow run failed: %v", err)), nil
		}
		return marshalResult(exec)
	}

	exec, err := s.runner.Submit(ctx, workflowID, params, triggeredBy)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow submit failed: %v", err)), nil
	}
	s.watch(ctx, exec.ID)
	return marshalResult(exec)
}

// watch registers the calling session for the completion of executionID. A run
// that already finished is reported right away.
func (s *Server) watch(ctx context.Context, executionID int64) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Register(executionID, session.SessionID())

	current, err := s.store.GetExecution(ctx, executionID)
	if err == nil && current.Status.IsTerminal() {
		s.notifier.Notify(ctx, executionID, current.Status, current.ErrorMessage)
	}
}

// handleStatus returns an execution with its action executions.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, ok := requireID(req.GetArguments(), "execution_id")
	if !ok {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	actions, err := s.store.ListActionExecutions(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	if actions == nil {
		actions = []*store.ActionExecution{}
	}
	return marshalResult(map[string]any{
		"execution": exec,
		"actions":   actions,
	})
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, ok := requireID(req.GetArguments(), "execution_id")
	if !ok {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if err := s.runner.Cancel(ctx, executionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "execution_id": executionID})
}

// handleSync syncs a data source, or enqueues the sync when wait is false.
func (s *Server) handleSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dsID, ok := requireID(req.GetArguments(), "datasource_id")
	if !ok {
		return mcp.NewToolResultError("datasource_id is required"), nil
	}
	triggeredBy := req.GetString("triggered_by", defaultTrigger)

	syncFn := s.syncer.SyncData
	if !mcp.ParseBoolean(req, "wait", true) {
		syncFn = s.syncer.Enqueue
	}
	rec, err := syncFn(ctx, dsID, triggeredBy)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return mcp.NewToolResultError(fmt.Sprintf("data source %d is already syncing", dsID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("sync failed: %v", err)), nil
	}
	return marshalResult(rec)
}

// handleQuery lists executions, persons or sync records.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "persons":
		return s.queryPersons(ctx, filter)
	case "syncs":
		return s.querySyncs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		WorkflowID: int64(extractInt(filter, "workflow_id", 0)),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.ExecutionStatus(status)
		ef.Status = &st
	}

	execs, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if execs == nil {
		execs = []*store.WorkflowExecution{}
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *Server) queryPersons(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	pf := store.PersonFilter{
		Limit:  extractInt(filter, "limit", 100),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok {
		pf.Status = status
	}
	if field, ok := filter["field"].(string); ok && field != "" {
		pf.Field = field
		pf.FieldValue, _ = filter["value"].(string)
		switch filter["match"] {
		case "case_insensitive":
			pf.CaseInsensitive = true
		case "contains":
			pf.Contains = true
		}
	}

	persons, err := s.store.ListPersons(ctx, pf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if persons == nil {
		persons = []*store.Person{}
	}
	return marshalResult(map[string]any{"persons": persons})
}

func (s *Server) querySyncs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	records, err := s.store.ListSyncRecords(ctx,
		int64(extractInt(filter, "datasource_id", 0)),
		extractInt(filter, "limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if records == nil {
		records = []*store.SyncRecord{}
	}
	return marshalResult(map[string]any{"syncs": records})
}

// handleDiagram draws a workflow in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	workflowID, ok := requireID(args, "workflow_id")
	if !ok {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	executionID := int64(extractInt(args, "execution_id", 0))
	format := req.GetString("format", "mermaid")

	in, err := diagram.Load(ctx, s.store, workflowID, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram load failed: %v", err)), nil
	}
	model, err := diagram.Build(in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be mermaid, ascii, or image"), nil
	}
}

// requireID reads a positive integer id argument.
func requireID(args map[string]any, key string) (int64, bool) {
	id := int64(extractInt(args, key, 0))
	return id, id > 0
}

// extractInt reads an integer from a JSON-decoded map. Numbers arrive as
// float64; numeric strings are accepted too.
func extractInt(m map[string]any, key string, defaultVal int) int {
	if m == nil {
		return defaultVal
	}
	switch val := m[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
