package engine

import (
	"github.com/rendis/idflow/pkg/schema"
)

// planNode is a graph node with its connections resolved to indexes.
type planNode struct {
	id        string
	typ       schema.NodeType
	actionID  int64
	condition string
	params    map[string]any
	// continueOnError is carried into the node's workflow action.
	continueOnError bool
	edges           []planEdge
}

type planEdge struct {
	target int
	path   string
}

// plan is a validated workflow graph compiled to adjacency slices.
type plan struct {
	nodes []planNode
	start int
}

// compilePlan resolves node ids to indexes. The graph must already have
// passed validation; unknown targets are dropped.
func compilePlan(graph schema.WorkflowGraph) (*plan, error) {
	ids := graph.NodeIDs()
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	starts := graph.StartNodes()
	if len(starts) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "workflow graph must have exactly one start node, found %d", len(starts))
	}

	p := &plan{nodes: make([]planNode, len(ids)), start: index[starts[0]]}
	for i, id := range ids {
		n := graph[id]
		pn := planNode{
			id:        id,
			typ:       n.Type,
			actionID:  n.ActionID,
			condition: n.Condition,
			params:    n.Parameters,

			continueOnError: n.ContinueOnError,
			edges:           make([]planEdge, 0, len(n.Connections)),
		}
		for _, c := range n.Connections {
			if t, ok := index[c.Target]; ok {
				pn.edges = append(pn.edges, planEdge{target: t, path: c.ConditionPath})
			}
		}
		p.nodes[i] = pn
	}
	return p, nil
}

// next returns the targets to follow from n. Conditional nodes follow only
// the edges whose path matches the branch taken.
func (n *planNode) next(branch string) []int {
	out := make([]int, 0, len(n.edges))
	for _, e := range n.edges {
		if n.typ == schema.NodeConditional && e.path != branch {
			continue
		}
		out = append(out, e.target)
	}
	return out
}
