package schema

import (
	"encoding/json"
	"sort"
)

// NodeType enumerates the node kinds of a workflow graph.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeAction      NodeType = "action"
	NodeConditional NodeType = "conditional"
)

// Connection is an outgoing edge of a graph node.
// ConditionPath is "true" or "false" on conditional nodes and empty elsewhere.
type Connection struct {
	Target        string `json:"target"`
	ConditionPath string `json:"conditionPath,omitempty"`
}

// GraphNode is one node of the persisted workflow graph.
// ContinueOnError on an action node lets traversal follow its connections
// after the action fails.
type GraphNode struct {
	Type            NodeType       `json:"type"`
	ActionID        int64          `json:"actionId,omitempty"`
	Condition       string         `json:"condition,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
	Connections     []Connection   `json:"connections"`
}

// WorkflowGraph is the designer format persisted as workflow_data:
// node id -> node.
type WorkflowGraph map[string]*GraphNode

// ParseGraph decodes workflow_data JSON. An empty document yields a nil graph.
func ParseGraph(data []byte) (WorkflowGraph, error) {
	if len(data) == 0 || string(data) == "null" || string(data) == "{}" {
		return nil, nil
	}
	var g WorkflowGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, NewError(ErrCodeConfiguration, "malformed workflow graph").WithCause(err)
	}
	return g, nil
}

// NodeIDs returns the graph node ids in sorted order.
func (g WorkflowGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartNodes returns the ids of all start nodes, sorted.
func (g WorkflowGraph) StartNodes() []string {
	var ids []string
	for _, id := range g.NodeIDs() {
		if g[id] != nil && g[id].Type == NodeStart {
			ids = append(ids, id)
		}
	}
	return ids
}

// PathEntry is one traversed node or action in a run, in traversal order.
type PathEntry struct {
	NodeID            string   `json:"node_id,omitempty"`
	NodeType          NodeType `json:"node_type,omitempty"`
	ActionID          int64    `json:"action_id,omitempty"`
	ActionName        string   `json:"action_name,omitempty"`
	ActionExecutionID int64    `json:"action_execution_id,omitempty"`
	Outcome           string   `json:"outcome"`
	Message           string   `json:"message,omitempty"`
}

// RunError describes one failure inside a run.
type RunError struct {
	NodeID     string `json:"node_id,omitempty"`
	ActionID   int64  `json:"action_id,omitempty"`
	ActionName string `json:"action_name,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

// RunResult is the result_data persisted on a terminal workflow execution.
type RunResult struct {
	ExecutionPath []PathEntry    `json:"execution_path"`
	Results       map[string]any `json:"results"`
	Errors        []RunError     `json:"errors"`
}

// NewRunResult returns an empty, JSON-stable RunResult.
func NewRunResult() *RunResult {
	return &RunResult{
		ExecutionPath: []PathEntry{},
		Results:       map[string]any{},
		Errors:        []RunError{},
	}
}
