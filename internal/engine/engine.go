// Package engine runs workflow executions: a flat sequence of bindings, or
// a node graph with conditional branches. Each visited action gets its own
// ActionExecution and runs through the action executor.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/idflow/internal/actions"
	"github.com/rendis/idflow/internal/expressions"
	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/validation"
	"github.com/rendis/idflow/internal/worker"
	"github.com/rendis/idflow/pkg/schema"
)

// MessageCancelled is the error message of a cancelled execution.
const MessageCancelled = "Execution cancelled"

// Metrics receives finished runs. Implemented by the telemetry package.
type Metrics interface {
	WorkflowFinished(status schema.ExecutionStatus, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) WorkflowFinished(schema.ExecutionStatus, time.Duration) {}

// Engine runs workflow executions.
type Engine struct {
	store      store.Store
	actions    *actions.Executor
	conditions *expressions.ConditionEngine
	validator  *validation.GraphValidator
	fsm        *ExecutionFSM
	pool       *worker.Pool
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer
	now        func() time.Time

	mu   sync.Mutex
	runs map[int64]*runHandle
}

// runHandle is the cancellation flag of an in-flight run.
type runHandle struct {
	cancelled atomic.Bool
}

func (h *runHandle) stopped(ctx context.Context) bool {
	return h.cancelled.Load() || ctx.Err() != nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithPool sets the pool used by Submit.
func WithPool(p *worker.Pool) Option { return func(e *Engine) { e.pool = p } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithConditions replaces the branch condition evaluator.
func WithConditions(c *expressions.ConditionEngine) Option {
	return func(e *Engine) {
		if c != nil {
			e.conditions = c
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates a workflow engine on top of an action executor.
func New(s store.Store, exec *actions.Executor, logger *slog.Logger, opts ...Option) (*Engine, error) {
	// Condition syntax is not checked at load: a malformed condition
	// evaluates to false at run time.
	v, err := validation.NewGraphValidator(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create graph validator: %w", err)
	}
	e := &Engine{
		store:      s,
		actions:    exec,
		conditions: expressions.NewConditionEngine(),
		validator:  v,
		fsm:        NewExecutionFSM(),
		logger:     logging.OrDefault(logger),
		metrics:    nopMetrics{},
		tracer:     noop.NewTracerProvider().Tracer(""),
		now:        func() time.Time { return time.Now().UTC() },
		runs:       make(map[int64]*runHandle),
	}
	for _, o := range opts {
		o(e)
	}
	e.fsm.OnAfter("", schema.ExecutionSuccess, e.observe)
	e.fsm.OnAfter("", schema.ExecutionWarning, e.observe)
	e.fsm.OnAfter("", schema.ExecutionError, e.observe)
	e.fsm.OnAfter("", schema.ExecutionCancelled, e.observe)
	return e, nil
}

// FSM exposes the execution state machine for additional hooks.
func (e *Engine) FSM() *ExecutionFSM { return e.fsm }

func (e *Engine) observe(_ context.Context, exec *store.WorkflowExecution, _, to schema.ExecutionStatus) error {
	var elapsed time.Duration
	if exec.StartTime != nil && exec.EndTime != nil {
		elapsed = exec.EndTime.Sub(*exec.StartTime)
	}
	e.metrics.WorkflowFinished(to, elapsed)
	return nil
}

// RunWorkflow creates an execution and runs it to a terminal status before
// returning. Errors are returned only when no execution could be created;
// a run that fails still returns its execution with status error.
func (e *Engine) RunWorkflow(ctx context.Context, workflowID int64, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error) {
	wf, exec, err := e.prepare(ctx, workflowID, params, triggeredBy)
	if err != nil {
		return nil, err
	}
	h := e.track(exec.ID)
	defer e.untrack(exec.ID)
	e.execute(ctx, wf, exec, h)
	return exec, nil
}

// Submit creates a pending execution and runs it on the worker pool. The
// returned execution is a snapshot taken before the run starts.
func (e *Engine) Submit(ctx context.Context, workflowID int64, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error) {
	if e.pool == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow engine has no worker pool")
	}
	wf, exec, err := e.prepare(ctx, workflowID, params, triggeredBy)
	if err != nil {
		return nil, err
	}
	h := e.track(exec.ID)
	snapshot := *exec

	err = e.pool.Submit(ctx, fmt.Sprintf("workflow:%d:%d", workflowID, exec.ID), func(jobCtx context.Context) error {
		defer e.untrack(exec.ID)
		e.execute(jobCtx, wf, exec, h)
		if exec.Status == schema.ExecutionError {
			return fmt.Errorf("workflow execution %d failed: %s", exec.ID, exec.ErrorMessage)
		}
		return nil
	})
	if err != nil {
		e.untrack(exec.ID)
		e.finish(ctx, exec, nil, schema.ExecutionError, "submit failed: "+err.Error())
		return nil, schema.NewError(schema.ErrCodeExecution, "submit workflow run").WithCause(err)
	}
	return &snapshot, nil
}

// Cancel requests cooperative cancellation. A run in flight in this process
// stops before its next action. A pending execution not yet picked up is
// cancelled directly. Finished executions yield CONFLICT.
func (e *Engine) Cancel(ctx context.Context, executionID int64) error {
	e.mu.Lock()
	h, ok := e.runs[executionID]
	e.mu.Unlock()
	if ok {
		h.cancelled.Store(true)
		logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow execution cancel requested", "execution_id", executionID)
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch {
	case exec.Status.IsTerminal():
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %d already finished with status %s", executionID, exec.Status)
	case exec.Status == schema.ExecutionPending:
		e.finish(ctx, exec, nil, schema.ExecutionCancelled, MessageCancelled)
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %d is not running in this process", executionID)
}

func (e *Engine) track(id int64) *runHandle {
	h := &runHandle{}
	e.mu.Lock()
	e.runs[id] = h
	e.mu.Unlock()
	return h
}

func (e *Engine) untrack(id int64) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}

// prepare loads the workflow and persists a pending execution.
func (e *Engine) prepare(ctx context.Context, workflowID int64, params map[string]any, triggeredBy string) (*store.Workflow, *store.WorkflowExecution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	exec := &store.WorkflowExecution{
		WorkflowID:  wf.ID,
		Status:      schema.ExecutionPending,
		Parameters:  expressions.DeepCopyMap(params),
		TriggeredBy: triggeredBy,
	}
	if exec.Parameters == nil {
		exec.Parameters = map[string]any{}
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "create workflow execution: %s", err.Error()).WithCause(err)
	}
	return wf, exec, nil
}

// outcome is how a strategy ended the run.
type outcome struct {
	status  schema.ExecutionStatus
	message string
}

func cancelled() outcome {
	return outcome{status: schema.ExecutionCancelled, message: MessageCancelled}
}

// execute drives a pending execution to a terminal status.
func (e *Engine) execute(ctx context.Context, wf *store.Workflow, exec *store.WorkflowExecution, h *runHandle) {
	ctx = logging.WithExecutionID(ctx, exec.ID)
	log := logging.LogWith(ctx, e.logger)

	if h.stopped(ctx) {
		e.finish(ctx, exec, nil, schema.ExecutionCancelled, MessageCancelled)
		return
	}

	start := e.now()
	exec.StartTime = &start
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionRunning); err != nil {
		log.ErrorContext(ctx, "start workflow execution", "error", err)
		return
	}
	running := schema.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &running, StartTime: &start}); err != nil {
		log.ErrorContext(ctx, "persist running execution", "error", err)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.Int64("workflow.id", wf.ID),
		attribute.String("workflow.name", wf.Name),
		attribute.Int64("execution.id", exec.ID),
	))
	defer span.End()
	log.InfoContext(ctx, "workflow run started", "workflow", wf.Name, "graph", len(wf.Graph) > 0, "triggered_by", exec.TriggeredBy)

	r := &run{
		engine: e,
		wf:     wf,
		exec:   exec,
		state:  actions.NewRunState(exec),
		result: schema.NewRunResult(),
		handle: h,
		log:    log,
	}

	var out outcome
	switch {
	case !wf.IsActive:
		out = r.configError("", fmt.Sprintf("Workflow %q is inactive", wf.Name))
	case len(wf.Graph) > 0:
		out = r.runGraph(ctx)
	default:
		out = r.runSequential(ctx)
	}

	span.SetAttributes(attribute.String("execution.status", string(out.status)))
	if out.status == schema.ExecutionError {
		span.SetStatus(codes.Error, out.message)
	}
	e.finish(ctx, exec, r, out.status, out.message)
}

// finish stamps the end time and result and persists the terminal state.
// It survives cancellation of ctx.
func (e *Engine) finish(ctx context.Context, exec *store.WorkflowExecution, r *run, status schema.ExecutionStatus, message string) {
	ctx = context.WithoutCancel(ctx)
	log := logging.LogWith(logging.WithExecutionID(ctx, exec.ID), e.logger)

	end := e.now()
	if exec.StartTime != nil && end.Before(*exec.StartTime) {
		end = *exec.StartTime
	}
	exec.EndTime = &end
	exec.ErrorMessage = message

	update := store.ExecutionUpdate{ErrorMessage: &message, EndTime: &end}
	if r != nil {
		r.result.Results = r.state.Results()
		exec.ResultData = r.result
		exec.Parameters = r.state.Params()
		update.ResultData = r.result
		update.Parameters = exec.Parameters
	}

	if err := e.fsm.Transition(ctx, exec, status); err != nil {
		log.ErrorContext(ctx, "finish workflow execution", "to", status, "error", err)
		return
	}
	update.Status = &exec.Status
	if err := e.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		log.ErrorContext(ctx, "persist finished execution", "status", status, "error", err)
	}

	attrs := []any{"status", status}
	if exec.ResultData != nil {
		attrs = append(attrs, "path", len(exec.ResultData.ExecutionPath), "errors", len(exec.ResultData.Errors))
	}
	if message != "" {
		attrs = append(attrs, "message", message)
	}
	if status == schema.ExecutionError {
		log.WarnContext(ctx, "workflow run finished", attrs...)
		return
	}
	log.InfoContext(ctx, "workflow run finished", attrs...)
}
