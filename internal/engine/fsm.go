package engine

import (
	"context"
	"sync"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// TransitionHook is called before or after an execution state transition.
type TransitionHook func(ctx context.Context, exec *store.WorkflowExecution, from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages workflow execution lifecycle transitions. Hooks are
// registered per (from, to) pair; an empty from matches every source state.
// The caller persists the new state.
type ExecutionFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an FSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A failing before
// hook aborts the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates exec.Status -> to against the transition table, runs
// the hooks and sets exec.Status.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *store.WorkflowExecution, to schema.ExecutionStatus) error {
	f.mu.Lock()
	before := f.hooks(f.before, exec.Status, to)
	after := f.hooks(f.after, exec.Status, to)
	f.mu.Unlock()

	from := exec.Status
	if !schema.CanTransitionExecution(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	for _, hook := range before {
		if err := hook(ctx, exec, from, to); err != nil {
			return err
		}
	}

	exec.Status = to

	for _, hook := range after {
		if err := hook(ctx, exec, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (f *ExecutionFSM) hooks(m map[hookKey][]TransitionHook, from, to schema.ExecutionStatus) []TransitionHook {
	exact := m[hookKey{from, to}]
	wildcard := m[hookKey{"", to}]
	out := make([]TransitionHook, 0, len(exact)+len(wildcard))
	out = append(out, exact...)
	return append(out, wildcard...)
}
