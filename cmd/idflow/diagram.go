package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/idflow/internal/diagram"
)

type diagramOptions struct {
	*rootOptions
	executionID int64
	format      string
	output      string
}

func newDiagramCommand(root *rootOptions) *cobra.Command {
	opts := &diagramOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "diagram <workflow-id>",
		Short: "Render a workflow diagram",
		Long: `Render a workflow as Mermaid, ASCII, PNG or SVG. With --execution the
status of each action in that execution is overlaid on the diagram.
Image formats require --output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.executionID, "execution", 0, "execution id to overlay")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "mermaid", "output format: mermaid, ascii, png, svg")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (o *diagramOptions) run(cmd *cobra.Command, arg string) error {
	workflowID, err := parseID(arg, "workflow id")
	if err != nil {
		return err
	}
	switch o.format {
	case "mermaid", "ascii":
	case "png", "svg":
		if o.output == "" {
			return fmt.Errorf("--output is required for %s", o.format)
		}
	default:
		return fmt.Errorf("format must be mermaid, ascii, png, or svg")
	}

	st, err := openStore(cmd.Context(), o.cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	in, err := diagram.Load(cmd.Context(), st, workflowID, o.executionID)
	if err != nil {
		return err
	}
	model, err := diagram.Build(in)
	if err != nil {
		return err
	}

	var content []byte
	switch o.format {
	case "mermaid":
		content = []byte(diagram.RenderMermaid(model))
	case "ascii":
		content = []byte(diagram.RenderASCII(model))
	default:
		content, err = diagram.RenderImage(cmd.Context(), model, diagram.Format(o.format))
		if err != nil {
			return err
		}
	}

	if o.output == "" {
		_, err = cmd.OutOrStdout().Write(content)
		return err
	}
	if err := os.WriteFile(o.output, content, 0o644); err != nil {
		return fmt.Errorf("write diagram: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "diagram written to %s\n", o.output)
	return nil
}
