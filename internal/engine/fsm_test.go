package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	ctx := context.Background()
	for _, to := range []schema.ExecutionStatus{
		schema.ExecutionSuccess, schema.ExecutionWarning, schema.ExecutionError, schema.ExecutionCancelled,
	} {
		t.Run(string(to), func(t *testing.T) {
			fsm := NewExecutionFSM()
			exec := &store.WorkflowExecution{ID: 1, Status: schema.ExecutionPending}
			require.NoError(t, fsm.Transition(ctx, exec, schema.ExecutionRunning))
			require.NoError(t, fsm.Transition(ctx, exec, to))
			assert.Equal(t, to, exec.Status)
		})
	}

	fsm := NewExecutionFSM()
	exec := &store.WorkflowExecution{ID: 2, Status: schema.ExecutionPending}
	require.NoError(t, fsm.Transition(ctx, exec, schema.ExecutionCancelled))
}

func TestExecutionFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionPending, schema.ExecutionSuccess},
		{schema.ExecutionRunning, schema.ExecutionPending},
		{schema.ExecutionSuccess, schema.ExecutionRunning},
		{schema.ExecutionCancelled, schema.ExecutionError},
		{schema.ExecutionError, schema.ExecutionError},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			exec := &store.WorkflowExecution{ID: 1, Status: tt.from}
			err := NewExecutionFSM().Transition(context.Background(), exec, tt.to)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
			assert.Equal(t, tt.from, exec.Status)
		})
	}
}

func TestExecutionFSM_HookOrder(t *testing.T) {
	fsm := NewExecutionFSM()
	var calls []string
	record := func(name string) TransitionHook {
		return func(_ context.Context, exec *store.WorkflowExecution, from, to schema.ExecutionStatus) error {
			calls = append(calls, name+":"+string(exec.Status))
			return nil
		}
	}
	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionSuccess, record("before"))
	fsm.OnAfter("", schema.ExecutionSuccess, record("after-any"))
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionSuccess, record("after"))
	fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionError, record("unrelated"))

	exec := &store.WorkflowExecution{ID: 1, Status: schema.ExecutionRunning}
	require.NoError(t, fsm.Transition(context.Background(), exec, schema.ExecutionSuccess))
	assert.Equal(t, []string{"before:running", "after:success", "after-any:success"}, calls)
}

func TestExecutionFSM_BeforeHookAborts(t *testing.T) {
	fsm := NewExecutionFSM()
	boom := errors.New("veto")
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning,
		func(context.Context, *store.WorkflowExecution, schema.ExecutionStatus, schema.ExecutionStatus) error {
			return boom
		})
	after := false
	fsm.OnAfter("", schema.ExecutionRunning,
		func(context.Context, *store.WorkflowExecution, schema.ExecutionStatus, schema.ExecutionStatus) error {
			after = true
			return nil
		})

	exec := &store.WorkflowExecution{ID: 1, Status: schema.ExecutionPending}
	err := fsm.Transition(context.Background(), exec, schema.ExecutionRunning)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, schema.ExecutionPending, exec.Status)
	assert.False(t, after)
}
