package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/idflow/pkg/schema"
)

// validateDAG runs cycle detection (Kahn's algorithm) over the graph edges
// and reports nodes unreachable from the start node as warnings.
func validateDAG(graph schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := graph.NodeIDs()
	inDegree := make(map[string]int, len(ids))
	succ := make(map[string][]string, len(ids))
	for _, id := range ids {
		seen := map[string]bool{}
		for _, c := range graph[id].Connections {
			if _, ok := graph[c.Target]; !ok || seen[c.Target] {
				continue // missing targets are reported by the semantic stage
			}
			seen[c.Target] = true
			succ[id] = append(succ[id], c.Target)
			inDegree[c.Target]++
		}
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(ids) {
		var cyclic []string
		for _, id := range ids {
			if inDegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddError("", schema.ErrCodeCycleDetected,
			fmt.Sprintf("workflow graph contains a cycle through nodes %v", cyclic))
		return result
	}

	starts := graph.StartNodes()
	if len(starts) != 1 {
		return result
	}
	reachable := map[string]bool{starts[0]: true}
	stack := []string{starts[0]}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range succ[node] {
			if !reachable[next] {
				reachable[next] = true
				stack = append(stack, next)
			}
		}
	}
	for _, id := range ids {
		if !reachable[id] {
			result.AddWarning(id, schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the start node", id))
		}
	}
	return result
}
