package actions

import (
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/rendis/idflow/internal/expressions"
	"github.com/rendis/idflow/internal/store"
)

// RunState is the execution context of one workflow run: the shared
// parameter map, the outputs of completed actions and the variable scope.
// Branches created with Branch share everything except the variable scope.
type RunState struct {
	Execution *store.WorkflowExecution

	shared *sharedState
	vars   *expressions.VarStack
}

type sharedState struct {
	mu      sync.RWMutex
	params  map[string]any
	results map[string]any
	last    map[string]any
}

// NewRunState seeds the shared parameter map with a copy of the execution
// parameters.
func NewRunState(exec *store.WorkflowExecution) *RunState {
	params := map[string]any{}
	if exec != nil {
		params = expressions.DeepCopyMap(exec.Parameters)
		if params == nil {
			params = map[string]any{}
		}
	}
	return &RunState{
		Execution: exec,
		shared: &sharedState{
			params:  params,
			results: map[string]any{},
		},
		vars: expressions.NewVarStack(),
	}
}

// Branch returns a state for a new graph branch with its own variable frame.
func (r *RunState) Branch() *RunState {
	return &RunState{Execution: r.Execution, shared: r.shared, vars: r.vars.Fork()}
}

// Vars is the variable scope of this branch.
func (r *RunState) Vars() *expressions.VarStack { return r.vars }

// ExecutionID returns the id of the run, or 0 outside a persisted run.
func (r *RunState) ExecutionID() int64 {
	if r.Execution == nil {
		return 0
	}
	return r.Execution.ID
}

// Params returns a copy of the shared parameter map.
func (r *RunState) Params() map[string]any {
	r.shared.mu.RLock()
	defer r.shared.mu.RUnlock()
	return expressions.DeepCopyMap(r.shared.params)
}

// Param returns one shared parameter.
func (r *RunState) Param(name string) (any, bool) {
	r.shared.mu.RLock()
	defer r.shared.mu.RUnlock()
	v, ok := r.shared.params[name]
	return v, ok
}

// SetParam writes a shared parameter visible to every later action of the run.
func (r *RunState) SetParam(name string, value any) {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	r.shared.params[name] = value
}

// Record stores the output of a completed binding under action_<id>, the
// node id and the sanitized action name, and makes it the last result.
func (r *RunState) Record(wa *store.WorkflowAction, output map[string]any) {
	if wa == nil {
		return
	}
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	r.shared.results[ResultKey(wa.ActionID)] = output
	if wa.NodeID != "" {
		r.shared.results[wa.NodeID] = output
	}
	if wa.Action != nil {
		if name := SanitizeName(wa.Action.Name); name != "" {
			r.shared.results[name] = output
		}
	}
	r.shared.last = output
}

// Results returns a copy of all recorded outputs.
func (r *RunState) Results() map[string]any {
	r.shared.mu.RLock()
	defer r.shared.mu.RUnlock()
	return expressions.DeepCopyMap(r.shared.results)
}

// Result looks up a recorded output by key, action id, node id or action name.
func (r *RunState) Result(ref string) (map[string]any, bool) {
	r.shared.mu.RLock()
	defer r.shared.mu.RUnlock()
	for _, key := range []string{ref, "action_" + ref, SanitizeName(ref)} {
		if out, ok := r.shared.results[key].(map[string]any); ok {
			return out, true
		}
	}
	return nil, false
}

// Last returns the most recently recorded output.
func (r *RunState) Last() map[string]any {
	r.shared.mu.RLock()
	defer r.shared.mu.RUnlock()
	return r.shared.last
}

// ConditionEnv builds the branch condition environment for this branch.
func (r *RunState) ConditionEnv() map[string]any {
	return expressions.ConditionEnv(r.Results(), r.Params(), r.vars.Flatten(), r.Last())
}

// ResultKey is the results key of an action id.
func ResultKey(actionID int64) string {
	return "action_" + strconv.FormatInt(actionID, 10)
}

// SanitizeName lowercases name and replaces every run of other characters
// with a single underscore.
func SanitizeName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
