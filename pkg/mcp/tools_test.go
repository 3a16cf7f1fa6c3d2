package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/engine"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/store/storetest"
	"github.com/rendis/idflow/pkg/schema"
)

// stubRunner records calls and returns canned executions.
type stubRunner struct {
	mu        sync.Mutex
	calls     []string
	params    map[string]any
	trigger   string
	exec      *store.WorkflowExecution
	err       error
	cancelled []int64
}

func (r *stubRunner) record(name string, params map[string]any, triggeredBy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.params = params
	r.trigger = triggeredBy
}

func (r *stubRunner) RunWorkflow(_ context.Context, _ int64, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error) {
	r.record("run", params, triggeredBy)
	return r.exec, r.err
}

func (r *stubRunner) Submit(_ context.Context, _ int64, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error) {
	r.record("submit", params, triggeredBy)
	return r.exec, r.err
}

func (r *stubRunner) Cancel(_ context.Context, executionID int64) error {
	if r.err != nil {
		return r.err
	}
	r.cancelled = append(r.cancelled, executionID)
	return nil
}

type stubSyncer struct {
	calls []string
	rec   *store.SyncRecord
	err   error
}

func (s *stubSyncer) SyncData(_ context.Context, _ int64, _ string) (*store.SyncRecord, error) {
	s.calls = append(s.calls, "sync")
	return s.rec, s.err
}

func (s *stubSyncer) Enqueue(_ context.Context, _ int64, _ string) (*store.SyncRecord, error) {
	s.calls = append(s.calls, "enqueue")
	return s.rec, s.err
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.MCPServer().ListTools()
	require.Len(t, tools, 6)
	for _, name := range []string{
		"idflow.run", "idflow.status", "idflow.cancel", "idflow.sync", "idflow.query", "idflow.diagram",
	} {
		assert.NotNil(t, s.MCPServer().GetTool(name), "tool %s should be registered", name)
	}
}

func TestRunTool(t *testing.T) {
	runner := &stubRunner{exec: &store.WorkflowExecution{ID: 9, WorkflowID: 3, Status: schema.ExecutionSuccess}}
	s := NewServer(ServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("idflow.run", map[string]any{
		"workflow_id": float64(3),
		"params":      map[string]any{"env": "prod"},
	}))
	require.NoError(t, err)

	var exec store.WorkflowExecution
	unmarshalResult(t, result, &exec)
	assert.Equal(t, int64(9), exec.ID)
	assert.Equal(t, schema.ExecutionSuccess, exec.Status)
	assert.Equal(t, []string{"run"}, runner.calls)
	assert.Equal(t, "prod", runner.params["env"])
	assert.Equal(t, "mcp", runner.trigger)
}

func TestRunToolAsync(t *testing.T) {
	runner := &stubRunner{exec: &store.WorkflowExecution{ID: 9, Status: schema.ExecutionPending}}
	s := NewServer(ServerDeps{Runner: runner})

	result, err := s.handleRun(context.Background(), buildRequest("idflow.run", map[string]any{
		"workflow_id":  "3",
		"async":        true,
		"triggered_by": "agent-7",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"submit"}, runner.calls)
	assert.Equal(t, "agent-7", runner.trigger)
	assert.Equal(t, 0, s.sessions.Len(), "no session in context")
}

func TestRunToolErrors(t *testing.T) {
	s := NewServer(ServerDeps{Runner: &stubRunner{err: schema.NewError(schema.ErrCodeNotFound, "workflow 3 not found")}})

	result, err := s.handleRun(context.Background(), buildRequest("idflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "workflow_id is required")

	result, err = s.handleRun(context.Background(), buildRequest("idflow.run", map[string]any{"workflow_id": float64(3)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not found")
}

func TestCancelTool(t *testing.T) {
	runner := &stubRunner{}
	s := NewServer(ServerDeps{Runner: runner})

	result, err := s.handleCancel(context.Background(), buildRequest("idflow.cancel", map[string]any{"execution_id": float64(4)}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []int64{4}, runner.cancelled)
}

func TestSyncTool(t *testing.T) {
	syncer := &stubSyncer{rec: &store.SyncRecord{ID: 1, DataSourceID: 2, Status: schema.SyncSuccess, RecordsProcessed: 5}}
	s := NewServer(ServerDeps{Syncer: syncer})

	result, err := s.handleSync(context.Background(), buildRequest("idflow.sync", map[string]any{"datasource_id": float64(2)}))
	require.NoError(t, err)
	var rec store.SyncRecord
	unmarshalResult(t, result, &rec)
	assert.Equal(t, 5, rec.RecordsProcessed)

	_, err = s.handleSync(context.Background(), buildRequest("idflow.sync", map[string]any{"datasource_id": float64(2), "wait": false}))
	require.NoError(t, err)
	assert.Equal(t, []string{"sync", "enqueue"}, syncer.calls)
}

func TestSyncToolConflict(t *testing.T) {
	s := NewServer(ServerDeps{Syncer: &stubSyncer{err: schema.NewError(schema.ErrCodeConflict, "sync running")}})

	result, err := s.handleSync(context.Background(), buildRequest("idflow.sync", map[string]any{"datasource_id": float64(2)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "already syncing")
}

type fixture struct {
	store *store.LibSQLStore
	wf    *store.Workflow
	exec  *store.WorkflowExecution
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New(t)
	ctx := context.Background()

	a := &store.Action{Name: "collect", ActionType: schema.ActionIterator, Parameters: map[string]any{}, IsActive: true}
	require.NoError(t, st.CreateAction(ctx, a))
	wf := &store.Workflow{Name: "wf", IsActive: true}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	wa := &store.WorkflowAction{WorkflowID: wf.ID, ActionID: a.ID, Sequence: 1, Parameters: map[string]any{}}
	require.NoError(t, st.CreateWorkflowAction(ctx, wa))
	exec := &store.WorkflowExecution{WorkflowID: wf.ID, Status: schema.ExecutionPending, Parameters: map[string]any{}}
	require.NoError(t, st.CreateExecution(ctx, exec))
	ae := &store.ActionExecution{WorkflowExecutionID: exec.ID, WorkflowActionID: wa.ID, Status: schema.ActionPending}
	require.NoError(t, st.CreateActionExecution(ctx, ae))

	require.NoError(t, st.CreatePerson(ctx, &store.Person{UniqueID: "u1", Email: "Ana@example.com"}))
	require.NoError(t, st.CreatePerson(ctx, &store.Person{UniqueID: "u2", Email: "bob@example.com"}))
	return &fixture{store: st, wf: wf, exec: exec}
}

func TestStatusTool(t *testing.T) {
	f := newFixture(t)
	s := NewServer(ServerDeps{Store: f.store})

	result, err := s.handleStatus(context.Background(), buildRequest("idflow.status", map[string]any{"execution_id": float64(f.exec.ID)}))
	require.NoError(t, err)

	var body struct {
		Execution store.WorkflowExecution `json:"execution"`
		Actions   []store.ActionExecution `json:"actions"`
	}
	unmarshalResult(t, result, &body)
	assert.Equal(t, f.exec.ID, body.Execution.ID)
	require.Len(t, body.Actions, 1)
	assert.Equal(t, schema.ActionPending, body.Actions[0].Status)

	result, err = s.handleStatus(context.Background(), buildRequest("idflow.status", map[string]any{"execution_id": float64(999)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	f := newFixture(t)
	s := NewServer(ServerDeps{Store: f.store})
	ctx := context.Background()

	result, err := s.handleQuery(ctx, buildRequest("idflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": float64(f.wf.ID), "status": "pending"},
	}))
	require.NoError(t, err)
	var execs struct {
		Executions []store.WorkflowExecution `json:"executions"`
	}
	unmarshalResult(t, result, &execs)
	assert.Len(t, execs.Executions, 1)

	result, err = s.handleQuery(ctx, buildRequest("idflow.query", map[string]any{
		"resource": "persons",
		"filter":   map[string]any{"field": "email", "value": "ana@example.com", "match": "case_insensitive"},
	}))
	require.NoError(t, err)
	var persons struct {
		Persons []store.Person `json:"persons"`
	}
	unmarshalResult(t, result, &persons)
	require.Len(t, persons.Persons, 1)
	assert.Equal(t, "u1", persons.Persons[0].UniqueID)

	result, err = s.handleQuery(ctx, buildRequest("idflow.query", map[string]any{"resource": "syncs"}))
	require.NoError(t, err)
	var syncs struct {
		Syncs []store.SyncRecord `json:"syncs"`
	}
	unmarshalResult(t, result, &syncs)
	assert.Empty(t, syncs.Syncs)

	result, err = s.handleQuery(ctx, buildRequest("idflow.query", map[string]any{"resource": "agents"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	f := newFixture(t)
	s := NewServer(ServerDeps{Store: f.store})
	ctx := context.Background()

	result, err := s.handleDiagram(ctx, buildRequest("idflow.diagram", map[string]any{
		"workflow_id":  float64(f.wf.ID),
		"execution_id": float64(f.exec.ID),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "1. collect")
	assert.Contains(t, text, "pending")

	result, err = s.handleDiagram(ctx, buildRequest("idflow.diagram", map[string]any{
		"workflow_id": float64(f.wf.ID),
		"format":      "ascii",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "=== wf v1 ===")

	result, err = s.handleDiagram(ctx, buildRequest("idflow.diagram", map[string]any{
		"workflow_id": float64(f.wf.ID),
		"format":      "pdf",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

type recordingSender struct {
	sessions []string
	payloads []map[string]any
}

func (r *recordingSender) SendNotificationToSpecificClient(sessionID, _ string, params map[string]any) error {
	r.sessions = append(r.sessions, sessionID)
	r.payloads = append(r.payloads, params)
	return nil
}

func TestNotifierOnTerminalTransition(t *testing.T) {
	sender := &recordingSender{}
	sessions := NewSessionRegistry()
	n := &Notifier{sender: sender, sessions: sessions, logger: nil}
	fsm := engine.NewExecutionFSM()
	n.Attach(fsm)

	sessions.Register(7, "session-a")
	exec := &store.WorkflowExecution{ID: 7, Status: schema.ExecutionPending}
	require.NoError(t, fsm.Transition(context.Background(), exec, schema.ExecutionRunning))
	assert.Empty(t, sender.sessions, "running is not terminal")

	require.NoError(t, fsm.Transition(context.Background(), exec, schema.ExecutionWarning))
	require.Equal(t, []string{"session-a"}, sender.sessions)
	data := sender.payloads[0]["data"].(map[string]any)
	assert.Equal(t, int64(7), data["execution_id"])
	assert.Equal(t, "warning", data["status"])
	assert.Equal(t, 0, sessions.Len())

	other := &store.WorkflowExecution{ID: 8, Status: schema.ExecutionPending}
	require.NoError(t, fsm.Transition(context.Background(), other, schema.ExecutionCancelled))
	assert.Len(t, sender.sessions, 1, "unregistered executions are not reported")
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	r.Register(1, "s1")
	r.Register(2, "s1")
	r.Register(3, "s2")

	sid, ok := r.Take(3)
	assert.True(t, ok)
	assert.Equal(t, "s2", sid)
	_, ok = r.Take(3)
	assert.False(t, ok)

	r.Remove("s1")
	assert.Equal(t, 0, r.Len())
}
