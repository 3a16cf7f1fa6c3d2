package validation

import "github.com/rendis/idflow/pkg/schema"

// Validator checks workflow graphs and action parameters before execution.
// Uses JSON Schema Draft 2020-12 for structural checks.
type Validator interface {
	ValidateGraph(graph schema.WorkflowGraph) error
	ValidateParams(actionType schema.ActionType, params map[string]any) error
}

// ParamValidator checks merged action parameters against the schema of
// their action type.
type ParamValidator interface {
	ValidateParams(actionType schema.ActionType, params map[string]any) error
}

var (
	_ ParamValidator = (*JSONSchemaValidator)(nil)
	_ ParamValidator = (*GraphValidator)(nil)
)

// ActionLookup reports whether an action id exists. Used to check graph
// action nodes against the action catalog.
type ActionLookup interface {
	HasAction(id int64) bool
}

// ActionSet is an in-memory ActionLookup.
type ActionSet map[int64]bool

// HasAction implements ActionLookup.
func (s ActionSet) HasAction(id int64) bool { return s[id] }

// ConditionCompiler reports a syntax error in a branch condition.
type ConditionCompiler func(expression string) error
