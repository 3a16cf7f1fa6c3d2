// Package actions executes the typed actions of a workflow: parameter
// merging, dispatch to the handler of the action type and the lifecycle of
// the ActionExecution record.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/idflow/internal/connector"
	"github.com/rendis/idflow/internal/expressions"
	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/validation"
	"github.com/rendis/idflow/pkg/schema"
)

// MessageDisabled is the completion message of an inactive action.
const MessageDisabled = "Action is disabled"

// Syncer is the part of the sync engine datasource_refresh drives.
type Syncer interface {
	SyncData(ctx context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error)
	Enqueue(ctx context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error)
	IsSyncing(ctx context.Context, dsID int64) (bool, error)
}

// Metrics receives action completions. Implemented by the telemetry package.
type Metrics interface {
	ActionExecuted(actionType schema.ActionType, status schema.ActionStatus, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ActionExecuted(schema.ActionType, schema.ActionStatus, time.Duration) {}

// Deps are the collaborators handlers are built from.
type Deps struct {
	Store      store.Store
	Syncer     Syncer
	Connectors *connector.Factory
	Breakers   *connector.BreakerRegistry
	Params     validation.ParamValidator
	JQ         *expressions.GoJQEngine
	CEL        *expressions.CELEngine
	// OutputDir is the default directory of file_create.
	OutputDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Result is what a handler reports. Status is success, warning or error.
type Result struct {
	Status  schema.ActionStatus
	Output  map[string]any
	Message string
}

func succeeded(output map[string]any) *Result {
	return &Result{Status: schema.ActionSuccess, Output: output}
}

// handler runs one action type against merged parameters.
type handler interface {
	run(ctx context.Context, rs *RunState, action *store.Action, params map[string]any) (*Result, error)
}

// newHandler is the static dispatch over the closed set of action types.
func newHandler(t schema.ActionType, d *Deps) (handler, error) {
	switch t {
	case schema.ActionDatabaseQuery:
		return &databaseQuery{deps: d}, nil
	case schema.ActionDatasourceRefresh:
		return &datasourceRefresh{deps: d}, nil
	case schema.ActionIterator:
		return &iterator{deps: d}, nil
	case schema.ActionProfileCheck:
		return &profileCheck{deps: d}, nil
	case schema.ActionProfileQuery:
		return &profileQuery{deps: d}, nil
	case schema.ActionFileCreate:
		return &fileCreate{deps: d}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "No handler registered for action type: %s", t)
}

// Executor runs one workflow action binding at a time. It never returns an
// error: every failure is recorded on the ActionExecution.
type Executor struct {
	deps    Deps
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used for action spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewExecutor creates an executor.
func NewExecutor(deps Deps, opts ...Option) *Executor {
	deps.Logger = logging.OrDefault(deps.Logger)
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	e := &Executor{
		deps:    deps,
		logger:  deps.Logger,
		metrics: nopMetrics{},
		tracer:  noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the binding of inv and reports success plus the output.
// Parameters merge in order: action, binding, shared run parameters,
// override. Warning counts as success.
func (e *Executor) Execute(ctx context.Context, rs *RunState, inv *Invocation, override map[string]any) (bool, map[string]any) {
	binding := inv.Binding()
	action := binding.Action
	if action == nil {
		return e.fail(ctx, inv, nil, schema.NewErrorf(schema.ErrCodeConfiguration, "workflow action %d has no action", binding.ID))
	}

	ctx = logging.WithActionID(ctx, action.ID)
	log := logging.LogWith(ctx, e.logger)

	if !action.IsActive {
		e.complete(ctx, inv, schema.ActionSkipped, nil, MessageDisabled)
		e.metrics.ActionExecuted(action.ActionType, schema.ActionSkipped, 0)
		log.InfoContext(ctx, "action skipped", "action", action.Name, "reason", MessageDisabled)
		return false, map[string]any{"error": MessageDisabled}
	}

	params := mergeParams(action.Parameters, binding.Parameters, rs.Params(), override)

	h, err := newHandler(action.ActionType, &e.deps)
	if err != nil {
		return e.fail(ctx, inv, action, err)
	}
	if e.deps.Params != nil {
		if err := e.deps.Params.ValidateParams(action.ActionType, params); err != nil {
			return e.fail(ctx, inv, action, err)
		}
	}

	ctx, span := e.tracer.Start(ctx, "action.execute", trace.WithAttributes(
		attribute.Int64("action.id", action.ID),
		attribute.String("action.type", string(action.ActionType)),
		attribute.Int64("execution.id", rs.ExecutionID()),
	))
	defer span.End()

	if err := inv.Start(ctx, params); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.fail(ctx, inv, action, err)
	}

	started := e.deps.Now()
	res, err := e.invoke(ctx, h, rs, action, params)
	elapsed := e.deps.Now().Sub(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out := map[string]any{"success": false, "error": err.Error()}
		e.complete(ctx, inv, schema.ActionError, out, err.Error())
		e.metrics.ActionExecuted(action.ActionType, schema.ActionError, elapsed)
		rs.Record(binding, out)
		log.WarnContext(ctx, "action failed", "action", action.Name, "type", action.ActionType, "error", err)
		return false, out
	}

	if res.Output == nil {
		res.Output = map[string]any{}
	}
	span.SetAttributes(attribute.String("action.status", string(res.Status)))
	if res.Status == schema.ActionError {
		span.SetStatus(codes.Error, res.Message)
	}
	e.complete(ctx, inv, res.Status, res.Output, res.Message)
	e.metrics.ActionExecuted(action.ActionType, res.Status, elapsed)
	rs.Record(binding, res.Output)
	log.DebugContext(ctx, "action completed", "action", action.Name, "status", res.Status, "elapsed", elapsed)
	return res.Status != schema.ActionError, res.Output
}

// invoke runs the handler, turning a panic into an error.
func (e *Executor) invoke(ctx context.Context, h handler, rs *RunState, action *store.Action, params map[string]any) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).ErrorContext(ctx, "action panicked",
				"action", action.Name, "panic", r, "stack", string(debug.Stack()))
			res, err = nil, schema.NewErrorf(schema.ErrCodeExecution, "action %s panicked: %v", action.Name, r).WithAction(action.ID)
		}
	}()
	res, err = h.run(ctx, rs, action, params)
	if err == nil && res == nil {
		err = schema.NewErrorf(schema.ErrCodeExecution, "action %s returned no result", action.Name)
	}
	return res, err
}

// fail completes an execution that never ran its handler.
func (e *Executor) fail(ctx context.Context, inv *Invocation, action *store.Action, err error) (bool, map[string]any) {
	msg := errorMessage(err)
	out := map[string]any{"success": false, "error": msg}
	e.complete(ctx, inv, schema.ActionError, out, msg)
	if action != nil {
		e.metrics.ActionExecuted(action.ActionType, schema.ActionError, 0)
	}
	logging.LogWith(ctx, e.logger).WarnContext(ctx, "action not executed", "error", msg)
	return false, out
}

// complete finishes inv unless a handler already did.
func (e *Executor) complete(ctx context.Context, inv *Invocation, status schema.ActionStatus, out map[string]any, msg string) {
	if inv.Done() {
		return
	}
	if err := inv.Complete(context.WithoutCancel(ctx), status, out, msg); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "complete action execution",
			"action_execution_id", inv.Execution().ID, "error", err)
	}
}

// errorMessage is the message of an IdflowError without its code prefix.
func errorMessage(err error) string {
	if ie, ok := err.(*schema.IdflowError); ok {
		return ie.Message
	}
	return fmt.Sprint(err)
}
