package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/idflow/internal/actions"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// MessageConditionNotMet is the completion message of a binding whose
// condition evaluated to false.
const MessageConditionNotMet = "Condition not met"

// run is the state of one execution while a strategy walks it.
type run struct {
	engine *Engine
	wf     *store.Workflow
	exec   *store.WorkflowExecution
	state  *actions.RunState
	result *schema.RunResult
	handle *runHandle
	log    *slog.Logger
}

// configError records a configuration failure and ends the run with error.
func (r *run) configError(nodeID, message string) outcome {
	r.result.Errors = append(r.result.Errors, schema.RunError{
		NodeID:  nodeID,
		Code:    schema.ErrCodeConfiguration,
		Message: message,
	})
	return outcome{status: schema.ExecutionError, message: message}
}

// test evaluates a branch condition. Evaluation errors count as false.
func (r *run) test(ctx context.Context, rs *actions.RunState, condition, nodeID string) bool {
	ok, err := r.engine.conditions.Test(ctx, condition, rs.ConditionEnv())
	if err != nil {
		r.log.WarnContext(ctx, "condition evaluation failed, treating as false",
			"node", nodeID, "condition", condition, "error", err)
		return false
	}
	return ok
}

// step is the outcome of one action binding.
type step struct {
	entry  schema.PathEntry
	status schema.ActionStatus
}

// invoke creates the ActionExecution of wa and runs it.
func (r *run) invoke(ctx context.Context, rs *actions.RunState, wa *store.WorkflowAction) step {
	entry := r.entry(wa)
	inv, err := actions.NewInvocation(ctx, r.engine.store, r.exec.ID, wa)
	if err != nil {
		r.log.ErrorContext(ctx, "create action execution", "action_id", wa.ActionID, "error", err)
		entry.Outcome = string(schema.ActionError)
		entry.Message = err.Error()
		return step{entry: entry, status: schema.ActionError}
	}
	_, out := r.engine.actions.Execute(ctx, rs, inv, nil)

	status := inv.Status()
	entry.ActionExecutionID = inv.Execution().ID
	entry.Outcome = string(status)
	entry.Message = inv.Execution().ErrorMessage
	if entry.Message == "" && status == schema.ActionError {
		if msg, ok := out["error"].(string); ok {
			entry.Message = msg
		}
	}
	return step{entry: entry, status: status}
}

// skip records a binding whose condition was false. The ActionExecution
// goes straight from pending to skipped.
func (r *run) skip(ctx context.Context, wa *store.WorkflowAction) step {
	entry := r.entry(wa)
	entry.Outcome = string(schema.ActionSkipped)
	entry.Message = MessageConditionNotMet

	inv, err := actions.NewInvocation(ctx, r.engine.store, r.exec.ID, wa)
	if err != nil {
		r.log.ErrorContext(ctx, "create action execution", "action_id", wa.ActionID, "error", err)
		return step{entry: entry, status: schema.ActionSkipped}
	}
	entry.ActionExecutionID = inv.Execution().ID
	if err := inv.Complete(ctx, schema.ActionSkipped, nil, MessageConditionNotMet); err != nil {
		r.log.ErrorContext(ctx, "complete skipped action execution", "action_id", wa.ActionID, "error", err)
	}
	r.log.InfoContext(ctx, "action skipped", "action_id", wa.ActionID, "reason", MessageConditionNotMet)
	return step{entry: entry, status: schema.ActionSkipped}
}

func (r *run) entry(wa *store.WorkflowAction) schema.PathEntry {
	e := schema.PathEntry{NodeID: wa.NodeID, NodeType: schema.NodeAction, ActionID: wa.ActionID}
	if wa.Action != nil {
		e.ActionName = wa.Action.Name
	}
	return e
}

// failed records an action error and reports whether the run must stop.
func (r *run) failed(ctx context.Context, s step, wa *store.WorkflowAction) (outcome, bool) {
	r.result.Errors = append(r.result.Errors, schema.RunError{
		NodeID:     s.entry.NodeID,
		ActionID:   s.entry.ActionID,
		ActionName: s.entry.ActionName,
		Code:       schema.ErrCodeExecution,
		Message:    s.entry.Message,
	})
	if wa.ContinueOnError {
		r.log.WarnContext(ctx, "action failed, continuing", "action_id", wa.ActionID, "error", s.entry.Message)
		return outcome{}, false
	}
	name := s.entry.ActionName
	if name == "" {
		name = fmt.Sprintf("action_%d", s.entry.ActionID)
	}
	return outcome{
		status:  schema.ExecutionError,
		message: fmt.Sprintf("Action %q failed: %s", name, s.entry.Message),
	}, true
}
