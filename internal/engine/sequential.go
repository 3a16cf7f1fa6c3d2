package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// runSequential executes the sequence bindings of a workflow without graph
// data in sequence order. It ends warning when any action ended warning or
// failed under continueOnError.
func (r *run) runSequential(ctx context.Context) outcome {
	all, err := r.engine.store.ListWorkflowActions(ctx, r.wf.ID)
	if err != nil {
		return outcome{status: schema.ExecutionError, message: fmt.Sprintf("load workflow actions: %v", err)}
	}
	bindings := make([]*store.WorkflowAction, 0, len(all))
	for _, wa := range all {
		if wa.NodeID == "" {
			bindings = append(bindings, wa)
		}
	}
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].Sequence < bindings[j].Sequence })

	degraded := false
	for _, wa := range bindings {
		if r.handle.stopped(ctx) {
			return cancelled()
		}
		if wa.Action == nil {
			return r.configError("", fmt.Sprintf("workflow action %d has no action", wa.ID))
		}

		if wa.Condition != "" && !r.test(ctx, r.state, wa.Condition, fmt.Sprintf("sequence %d", wa.Sequence)) {
			s := r.skip(ctx, wa)
			r.result.ExecutionPath = append(r.result.ExecutionPath, s.entry)
			continue
		}

		s := r.invoke(ctx, r.state, wa)
		r.result.ExecutionPath = append(r.result.ExecutionPath, s.entry)
		switch s.status {
		case schema.ActionWarning:
			degraded = true
		case schema.ActionError:
			if out, stop := r.failed(ctx, s, wa); stop {
				return out
			}
			degraded = true
		}
	}

	if degraded {
		return outcome{status: schema.ExecutionWarning}
	}
	return outcome{status: schema.ExecutionSuccess}
}
