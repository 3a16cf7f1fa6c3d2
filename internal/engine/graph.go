package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/rendis/idflow/internal/actions"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/validation"
	"github.com/rendis/idflow/pkg/schema"
)

// runGraph validates and compiles the workflow graph, then walks it from
// the start node with a depth-first worklist in declared connection order.
// Every node runs at most once. Each fan-out gets its own variable frame.
func (r *run) runGraph(ctx context.Context) outcome {
	p, err := r.load(ctx)
	if err != nil {
		code := schema.ErrCodeConfiguration
		var ie *schema.IdflowError
		if errors.As(err, &ie) {
			code = ie.Code
		}
		msg := fmt.Sprintf("Invalid workflow graph: %v", err)
		r.result.Errors = append(r.result.Errors, schema.RunError{Code: code, Message: msg})
		return outcome{status: schema.ExecutionError, message: msg}
	}

	type item struct {
		node  int
		state *actions.RunState
	}
	stack := []item{{node: p.start, state: r.state}}
	visited := make([]bool, len(p.nodes))

	for len(stack) > 0 {
		if r.handle.stopped(ctx) {
			return cancelled()
		}
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[it.node] {
			continue
		}
		visited[it.node] = true
		n := &p.nodes[it.node]

		var next []int
		switch n.typ {
		case schema.NodeEnd:
			continue

		case schema.NodeStart:
			r.result.ExecutionPath = append(r.result.ExecutionPath, schema.PathEntry{
				NodeID: n.id, NodeType: schema.NodeStart, Outcome: "started",
			})
			next = n.next("")

		case schema.NodeConditional:
			branch := strconv.FormatBool(r.test(ctx, it.state, n.condition, n.id))
			r.result.ExecutionPath = append(r.result.ExecutionPath, schema.PathEntry{
				NodeID: n.id, NodeType: schema.NodeConditional, Outcome: branch,
			})
			next = n.next(branch)

		case schema.NodeAction:
			wa, err := r.binding(ctx, n)
			if err != nil {
				return r.configError(n.id, fmt.Sprintf("bind action %d at node %s: %v", n.actionID, n.id, err))
			}
			s := r.invoke(ctx, it.state, wa)
			r.result.ExecutionPath = append(r.result.ExecutionPath, s.entry)
			if s.status == schema.ActionError {
				if out, stop := r.failed(ctx, s, wa); stop {
					return out
				}
			}
			next = n.next("")

		default:
			return r.configError(n.id, fmt.Sprintf("node %s has unknown type %q", n.id, n.typ))
		}

		// Push in reverse so the first declared connection runs first.
		fanout := len(next) > 1
		for i := len(next) - 1; i >= 0; i-- {
			st := it.state
			if fanout {
				st = it.state.Branch()
			}
			stack = append(stack, item{node: next[i], state: st})
		}
	}
	return outcome{status: schema.ExecutionSuccess}
}

// load validates the graph against the current action catalog and compiles it.
func (r *run) load(ctx context.Context) (*plan, error) {
	list, err := r.engine.store.ListActions(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list actions: %s", err.Error()).WithCause(err)
	}
	known := make(validation.ActionSet, len(list))
	for _, a := range list {
		known[a.ID] = true
	}
	if err := r.engine.validator.WithActions(known).ValidateGraph(r.wf.Graph); err != nil {
		return nil, err
	}
	return compilePlan(r.wf.Graph)
}

// binding finds the workflow action of an action node, creating it on first
// use and syncing its parameters and continueOnError flag from the node.
func (r *run) binding(ctx context.Context, n *planNode) (*store.WorkflowAction, error) {
	s := r.engine.store
	wa, err := s.FindWorkflowAction(ctx, r.wf.ID, n.actionID, n.id)
	switch {
	case schema.HasCode(err, schema.ErrCodeNotFound):
		wa = &store.WorkflowAction{
			WorkflowID: r.wf.ID,
			ActionID:   n.actionID,
			NodeID:     n.id,
			Parameters: n.params,

			ContinueOnError: n.continueOnError,
		}
		if err := s.CreateWorkflowAction(ctx, wa); err != nil {
			return nil, err
		}
		if wa.Action, err = s.GetAction(ctx, n.actionID); err != nil {
			return nil, err
		}
		return wa, nil
	case err != nil:
		return nil, err
	}

	if !sameParams(wa.Parameters, n.params) {
		if err := s.UpdateWorkflowActionParameters(ctx, wa.ID, n.params); err != nil {
			return nil, err
		}
		wa.Parameters = n.params
	}
	if wa.ContinueOnError != n.continueOnError {
		if err := s.UpdateWorkflowActionContinueOnError(ctx, wa.ID, n.continueOnError); err != nil {
			return nil, err
		}
		wa.ContinueOnError = n.continueOnError
	}
	return wa, nil
}

func sameParams(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
