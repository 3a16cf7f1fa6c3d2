package validation

import "github.com/rendis/idflow/pkg/schema"

// GraphValidator orchestrates the three-stage graph validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (start node, targets, branch labels, action refs, conditions)
// 3. DAG (cycles, reachability)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	conditions ConditionCompiler
}

// NewGraphValidator creates a GraphValidator. lookup and compile may be nil
// to skip action existence and condition syntax checks.
func NewGraphValidator(lookup ActionLookup, compile ConditionCompiler) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{jsonSchema: jsv, actions: lookup, conditions: compile}, nil
}

// WithActions returns a copy of the validator that checks action ids against lookup.
func (gv *GraphValidator) WithActions(lookup ActionLookup) *GraphValidator {
	cp := *gv
	cp.actions = lookup
	return &cp
}

// Validate runs the full pipeline. Structural errors short-circuit, and the
// DAG stage only runs on a semantically valid graph.
func (gv *GraphValidator) Validate(graph schema.WorkflowGraph) *schema.ValidationResult {
	result := validateStructural(gv.jsonSchema, graph)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(graph, gv.actions, gv.conditions))
	if result.Valid() {
		result.Merge(validateDAG(graph))
	}
	return result
}

// ValidateGraph satisfies the Validator interface.
func (gv *GraphValidator) ValidateGraph(graph schema.WorkflowGraph) error {
	return gv.Validate(graph).ToError()
}

// ValidateParams delegates to the underlying JSONSchemaValidator.
func (gv *GraphValidator) ValidateParams(actionType schema.ActionType, params map[string]any) error {
	return gv.jsonSchema.ValidateParams(actionType, params)
}

func validateStructural(v *JSONSchemaValidator, graph schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateGraphShape(graph)
	if err == nil {
		return result
	}

	idErr, ok := err.(*schema.IdflowError)
	if !ok {
		result.AddError("", schema.ErrCodeConfiguration, err.Error())
		return result
	}
	if violations, ok := idErr.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("", schema.ErrCodeConfiguration, msg)
		}
		return result
	}
	result.AddError("", schema.ErrCodeConfiguration, idErr.Message)
	return result
}

var _ Validator = (*GraphValidator)(nil)
