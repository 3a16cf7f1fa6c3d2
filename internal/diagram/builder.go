package diagram

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Input is the workflow, and optionally one of its executions, to draw.
type Input struct {
	Workflow *store.Workflow
	// Bindings come from ListWorkflowActions and carry their Action.
	Bindings []*store.WorkflowAction
	// Actions names graph action nodes that have no binding yet.
	Actions []*store.Action

	Execution        *store.WorkflowExecution
	ActionExecutions []*store.ActionExecution
}

// Load fetches everything Build needs. executionID 0 draws the workflow without
// a status overlay.
func Load(ctx context.Context, s store.Store, workflowID, executionID int64) (*Input, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	bindings, err := s.ListWorkflowActions(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	in := &Input{Workflow: wf, Bindings: bindings}
	if wf.Graph != nil {
		if in.Actions, err = s.ListActions(ctx); err != nil {
			return nil, err
		}
	}
	if executionID == 0 {
		return in, nil
	}

	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.WorkflowID != workflowID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %d belongs to workflow %d, not %d", executionID, exec.WorkflowID, workflowID)
	}
	in.Execution = exec
	if in.ActionExecutions, err = s.ListActionExecutions(ctx, executionID); err != nil {
		return nil, err
	}
	return in, nil
}

// Build constructs a DiagramModel. Graph workflows are drawn from their graph;
// sequential workflows as a chain of bindings in sequence order.
func Build(in *Input) (*DiagramModel, error) {
	if in == nil || in.Workflow == nil {
		return nil, fmt.Errorf("diagram: nil workflow")
	}
	runs := indexRuns(in.ActionExecutions)

	var (
		model *DiagramModel
		err   error
	)
	if in.Workflow.Graph != nil {
		model, err = buildGraph(in, runs)
	} else {
		model = buildSequential(in, runs)
	}
	if err != nil {
		return nil, err
	}
	model.Title = titleFor(in)
	return model, nil
}

func buildGraph(in *Input, runs map[int64]*store.ActionExecution) (*DiagramModel, error) {
	graph := in.Workflow.Graph

	names := make(map[int64]string, len(in.Actions))
	for _, a := range in.Actions {
		names[a.ID] = a.Name
	}
	byNode := make(map[string]*store.WorkflowAction)
	for _, wa := range in.Bindings {
		if wa.NodeID == "" {
			continue
		}
		byNode[wa.NodeID] = wa
		if wa.Action != nil {
			names[wa.ActionID] = wa.Action.Name
		}
	}

	model := &DiagramModel{}
	for _, id := range graph.NodeIDs() {
		gn := graph[id]
		if gn == nil {
			continue
		}
		node := &Node{ID: id, Kind: kindOf(gn.Type), Label: graphLabel(id, gn, names)}
		if wa, ok := byNode[id]; ok {
			overlayRun(node, runs[wa.ID])
		}
		model.Nodes = append(model.Nodes, node)
		for _, c := range gn.Connections {
			model.Edges = append(model.Edges, Edge{From: id, To: c.Target, Label: c.ConditionPath})
		}
	}

	if in.Execution != nil && in.Execution.ResultData != nil {
		for _, e := range in.Execution.ResultData.ExecutionPath {
			node := model.node(e.NodeID)
			if node == nil || node.Kind == NodeKindAction {
				continue
			}
			node.Status = &StatusOverlay{Status: StatusVisited}
			if node.Kind == NodeKindCondition {
				node.Status.Outcome = e.Outcome
			}
		}
	}

	levels, err := graphLevels(graph)
	if err != nil {
		return nil, err
	}
	model.Levels = levels
	return model, nil
}

func buildSequential(in *Input, runs map[int64]*store.ActionExecution) *DiagramModel {
	var bindings []*store.WorkflowAction
	for _, wa := range in.Bindings {
		if wa.NodeID == "" {
			bindings = append(bindings, wa)
		}
	}
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].Sequence < bindings[j].Sequence })

	model := &DiagramModel{}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	model.Levels = append(model.Levels, []string{startID})

	prev := startID
	for _, wa := range bindings {
		id := "step_" + strconv.FormatInt(wa.ID, 10)
		node := &Node{ID: id, Kind: NodeKindAction, Label: bindingLabel(wa)}
		overlayRun(node, runs[wa.ID])
		model.Nodes = append(model.Nodes, node)
		model.Levels = append(model.Levels, []string{id})

		edge := Edge{From: prev, To: id}
		if wa.Condition != "" {
			edge.Label = "if " + wa.Condition
		}
		model.Edges = append(model.Edges, edge)
		prev = id
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Levels = append(model.Levels, []string{endID})
	model.Edges = append(model.Edges, Edge{From: prev, To: endID})
	return model
}

// graphLevels layers the graph by longest path from the roots. A cycle is an
// error since no layering exists.
func graphLevels(graph schema.WorkflowGraph) ([][]string, error) {
	ids := graph.NodeIDs()
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		if graph[id] == nil {
			continue
		}
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, c := range graph[id].Connections {
			if _, ok := graph[c.Target]; ok {
				indegree[c.Target]++
			}
		}
	}

	depth := make(map[string]int, len(ids))
	var queue []string
	for _, id := range ids {
		if _, ok := indegree[id]; ok && indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	placed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		placed++
		for _, c := range graph[id].Connections {
			if _, ok := indegree[c.Target]; !ok {
				continue
			}
			if d := depth[id] + 1; d > depth[c.Target] {
				depth[c.Target] = d
			}
			indegree[c.Target]--
			if indegree[c.Target] == 0 {
				queue = append(queue, c.Target)
			}
		}
	}
	if placed != len(indegree) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "diagram: workflow graph contains a cycle")
	}

	var levels [][]string
	for _, id := range ids {
		if _, ok := indegree[id]; !ok {
			continue
		}
		d := depth[id]
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	return levels, nil
}

func indexRuns(runs []*store.ActionExecution) map[int64]*store.ActionExecution {
	idx := make(map[int64]*store.ActionExecution, len(runs))
	for _, ae := range runs {
		// Later executions of the same binding win.
		if cur, ok := idx[ae.WorkflowActionID]; !ok || ae.ID > cur.ID {
			idx[ae.WorkflowActionID] = ae
		}
	}
	return idx
}

func overlayRun(node *Node, ae *store.ActionExecution) {
	if ae == nil {
		return
	}
	node.Status = &StatusOverlay{Status: string(ae.Status), Error: ae.ErrorMessage}
	if ae.StartTime != nil && ae.EndTime != nil {
		node.Status.DurationMs = ae.EndTime.Sub(*ae.StartTime).Milliseconds()
	}
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeStart:
		return NodeKindStart
	case schema.NodeEnd:
		return NodeKindEnd
	case schema.NodeConditional:
		return NodeKindCondition
	default:
		return NodeKindAction
	}
}

func graphLabel(id string, gn *schema.GraphNode, names map[int64]string) string {
	switch gn.Type {
	case schema.NodeStart:
		return "Start"
	case schema.NodeEnd:
		return "End"
	case schema.NodeConditional:
		return gn.Condition
	}
	if name, ok := names[gn.ActionID]; ok {
		return fmt.Sprintf("%s\n(%s)", id, name)
	}
	return fmt.Sprintf("%s\n(action %d)", id, gn.ActionID)
}

func bindingLabel(wa *store.WorkflowAction) string {
	if wa.Action != nil {
		return fmt.Sprintf("%d. %s\n(%s)", wa.Sequence, wa.Action.Name, wa.Action.ActionType)
	}
	return fmt.Sprintf("%d. action %d", wa.Sequence, wa.ActionID)
}

func titleFor(in *Input) string {
	title := fmt.Sprintf("%s v%d", in.Workflow.Name, in.Workflow.Version)
	if in.Execution != nil {
		title += fmt.Sprintf(" / execution %d (%s)", in.Execution.ID, in.Execution.Status)
	}
	return title
}
