package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

func overlaidBranch(t *testing.T) *DiagramModel {
	t.Helper()
	in := branchWorkflow()
	in.Execution = &store.WorkflowExecution{
		ID: 1, WorkflowID: 5, Status: schema.ExecutionSuccess,
		ResultData: &schema.RunResult{ExecutionPath: []schema.PathEntry{
			{NodeID: "start", Outcome: "started"},
			{NodeID: "check", Outcome: "true"},
		}},
	}
	in.ActionExecutions = []*store.ActionExecution{{ID: 3, WorkflowActionID: 10, Status: schema.ActionWarning}}
	model, err := Build(in)
	require.NoError(t, err)
	return model
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(overlaidBranch(t))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% nightly v3 / execution 1 (success)")
	assert.Contains(t, out, `start(("Start"))`)
	assert.Contains(t, out, `refresh["refresh"]`)
	assert.Contains(t, out, `check{"records_processed > 0 → true"}`)
	assert.Contains(t, out, `check -->|"true"| notify`)
	assert.Contains(t, out, `check -->|"false"| end_`)
	assert.Contains(t, out, "class refresh warning")
	assert.Contains(t, out, "class check visited")
	assert.NotContains(t, out, "class notify")
}

func TestRenderMermaidSequential(t *testing.T) {
	model, err := Build(sequentialWorkflow())
	require.NoError(t, err)
	out := RenderMermaid(model)

	assert.Contains(t, out, `step_20["1. query"]`)
	assert.Contains(t, out, `step_20 -->|"if count > 0"| step_21`)
	assert.Contains(t, out, "__start__ --> step_20")
}

func TestMermaidEscaping(t *testing.T) {
	assert.Equal(t, "run_1_a_b", mermaidSafeID("run.1-a b"))
	assert.Equal(t, "end_", mermaidSafeID("end"))
	assert.Equal(t, `name == #quot;x#quot; #124;#124; y`, mermaidEscapeLabel(`name == "x" || y`))
}

func TestRenderASCII(t *testing.T) {
	out := RenderASCII(overlaidBranch(t))

	assert.Contains(t, out, "=== nightly v3 / execution 1 (success) ===")
	assert.Contains(t, out, "│ (refresh-hr) │")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "-> true")
	assert.Contains(t, out, "check ─[true]→ notify")
	assert.Contains(t, out, "▼")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[OK]", statusTag("success"))
	assert.Equal(t, "[FAIL]", statusTag("error"))
	assert.Equal(t, "[SKIP]", statusTag("cancelled"))
	assert.Equal(t, "[*]", statusTag(StatusVisited))
	assert.Empty(t, statusTag("unknown"))
}

func TestRenderImage(t *testing.T) {
	if testing.Short() {
		t.Skip("graphviz rendering is slow")
	}
	model := overlaidBranch(t)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), model, "gif")
	require.Error(t, err)
}
