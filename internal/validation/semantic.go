package validation

import (
	"fmt"

	"github.com/rendis/idflow/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot: a single start node,
// connection targets, branch labels, action references and condition syntax.
func validateSemantic(graph schema.WorkflowGraph, lookup ActionLookup, compile ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	starts := graph.StartNodes()
	switch len(starts) {
	case 0:
		result.AddError("", schema.ErrCodeConfiguration, "workflow graph has no start node")
	case 1:
	default:
		result.AddError("", schema.ErrCodeConfiguration,
			fmt.Sprintf("workflow graph has %d start nodes %v, exactly one is required", len(starts), starts))
	}

	for _, id := range graph.NodeIDs() {
		node := graph[id]
		if node == nil {
			result.AddError(id, schema.ErrCodeConfiguration, fmt.Sprintf("node %q is null", id))
			continue
		}
		validateNode(id, node, graph, lookup, compile, result)
	}
	return result
}

func validateNode(id string, node *schema.GraphNode, graph schema.WorkflowGraph, lookup ActionLookup, compile ConditionCompiler, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeAction:
		if node.ActionID == 0 {
			result.AddError(id, schema.ErrCodeConfiguration, fmt.Sprintf("action node %q has no actionId", id))
		} else if lookup != nil && !lookup.HasAction(node.ActionID) {
			result.AddError(id, schema.ErrCodeConfiguration,
				fmt.Sprintf("action node %q references unknown action %d", id, node.ActionID))
		}
	case schema.NodeConditional:
		if node.Condition == "" {
			result.AddError(id, schema.ErrCodeConfiguration, fmt.Sprintf("conditional node %q has no condition", id))
		} else if compile != nil {
			if err := compile(node.Condition); err != nil {
				result.AddError(id, schema.ErrCodeConfiguration,
					fmt.Sprintf("conditional node %q: %s", id, err.Error()))
			}
		}
	case schema.NodeEnd:
		if len(node.Connections) > 0 {
			result.AddWarning(id, schema.ErrCodeValidation,
				fmt.Sprintf("end node %q has outgoing connections that are never followed", id))
		}
	case schema.NodeStart:
		if len(node.Connections) == 0 {
			result.AddWarning(id, schema.ErrCodeValidation, fmt.Sprintf("start node %q has no connections", id))
		}
	default:
		result.AddError(id, schema.ErrCodeConfiguration, fmt.Sprintf("node %q has unknown type %q", id, node.Type))
	}

	for i, conn := range node.Connections {
		target, ok := graph[conn.Target]
		if !ok || target == nil {
			result.AddError(id, schema.ErrCodeConfiguration,
				fmt.Sprintf("connection %d of node %q targets missing node %q", i, id, conn.Target))
		} else if target.Type == schema.NodeStart {
			result.AddError(id, schema.ErrCodeConfiguration,
				fmt.Sprintf("connection %d of node %q targets the start node %q", i, id, conn.Target))
		}

		switch {
		case node.Type == schema.NodeConditional && conn.ConditionPath != "true" && conn.ConditionPath != "false":
			result.AddError(id, schema.ErrCodeConfiguration,
				fmt.Sprintf("connection %d of conditional node %q needs conditionPath \"true\" or \"false\"", i, id))
		case node.Type != schema.NodeConditional && conn.ConditionPath != "":
			result.AddWarning(id, schema.ErrCodeValidation,
				fmt.Sprintf("conditionPath on connection %d of %s node %q is ignored", i, node.Type, id))
		}
	}
}
