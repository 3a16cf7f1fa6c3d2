package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/idflow/pkg/schema"
)

const cliTrigger = "cli"

type runOptions struct {
	*rootOptions
	params      []string
	async       bool
	triggeredBy string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run a workflow",
		Long: `Run a workflow and print its execution.

Parameters are passed as key=value pairs. Values that parse as JSON
(numbers, booleans, arrays, objects) keep their type; anything else is a
string. With --async the pending execution is printed right away and the
run completes before the command exits.

Example:
  idflow run 3 --param env=prod --param limit=50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "workflow parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.async, "async", false, "submit the run to the worker pool")
	cmd.Flags().StringVar(&opts.triggeredBy, "triggered-by", cliTrigger, "trigger recorded on the execution")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, arg string) error {
	workflowID, err := parseID(arg, "workflow id")
	if err != nil {
		return err
	}
	params, err := parseParams(o.params)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.close()

	if o.async {
		exec, err := a.engine.Submit(cmd.Context(), workflowID, params, o.triggeredBy)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), exec)
	}

	exec, err := a.engine.RunWorkflow(cmd.Context(), workflowID, params, o.triggeredBy)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), exec); err != nil {
		return err
	}
	if exec.Status == schema.ExecutionError {
		return fmt.Errorf("execution %d finished with status %s: %s", exec.ID, exec.Status, exec.ErrorMessage)
	}
	return nil
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}
