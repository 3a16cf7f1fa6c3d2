package actions

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// Invocation owns the lifecycle of one ActionExecution. Start moves it from
// pending to running; Complete stamps the terminal status exactly once.
type Invocation struct {
	mu      sync.Mutex
	store   store.Store
	now     func() time.Time
	exec    *store.ActionExecution
	binding *store.WorkflowAction
}

// NewInvocation persists a pending ActionExecution for binding inside the
// workflow execution executionID.
func NewInvocation(ctx context.Context, s store.Store, executionID int64, binding *store.WorkflowAction) (*Invocation, error) {
	ae := &store.ActionExecution{
		WorkflowExecutionID: executionID,
		WorkflowActionID:    binding.ID,
		Status:              schema.ActionPending,
		WorkflowAction:      binding,
	}
	if err := s.CreateActionExecution(ctx, ae); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create action execution: %s", err.Error()).WithCause(err)
	}
	return &Invocation{store: s, now: time.Now, exec: ae, binding: binding}, nil
}

// Execution returns the tracked ActionExecution.
func (i *Invocation) Execution() *store.ActionExecution { return i.exec }

// Binding returns the workflow action being executed.
func (i *Invocation) Binding() *store.WorkflowAction { return i.binding }

// Status returns the current status.
func (i *Invocation) Status() schema.ActionStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exec.Status
}

// Done reports whether Complete has already run.
func (i *Invocation) Done() bool {
	return i.Status().IsTerminal()
}

// Start transitions pending to running, stamping the start time and the
// merged input.
func (i *Invocation) Start(ctx context.Context, input map[string]any) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.transition(schema.ActionRunning); err != nil {
		return err
	}
	now := i.now()
	status := schema.ActionRunning
	if err := i.store.UpdateActionExecution(ctx, i.exec.ID, store.ActionExecutionUpdate{
		Status:    &status,
		InputData: input,
		StartTime: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "start action execution %d: %s", i.exec.ID, err.Error()).WithCause(err)
	}
	i.exec.Status = status
	i.exec.InputData = input
	i.exec.StartTime = &now
	return nil
}

// Complete records the terminal status. A second call returns
// INVALID_TRANSITION and changes nothing.
func (i *Invocation) Complete(ctx context.Context, status schema.ActionStatus, output map[string]any, message string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "complete with non-terminal status %q", status)
	}
	if err := i.transition(status); err != nil {
		return err
	}
	end := i.now()
	if i.exec.StartTime != nil && end.Before(*i.exec.StartTime) {
		end = *i.exec.StartTime
	}
	if err := i.store.UpdateActionExecution(ctx, i.exec.ID, store.ActionExecutionUpdate{
		Status:       &status,
		OutputData:   output,
		ErrorMessage: &message,
		EndTime:      &end,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete action execution %d: %s", i.exec.ID, err.Error()).WithCause(err)
	}
	i.exec.Status = status
	i.exec.OutputData = output
	i.exec.ErrorMessage = message
	i.exec.EndTime = &end
	return nil
}

func (i *Invocation) transition(to schema.ActionStatus) error {
	from := i.exec.Status
	if !schema.CanTransitionAction(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid action execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"action_execution_id": i.exec.ID, "from": string(from), "to": string(to)})
	}
	return nil
}
