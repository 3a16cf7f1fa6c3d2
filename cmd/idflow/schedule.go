package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/idflow/internal/scheduler"
	"github.com/rendis/idflow/internal/store"
)

type scheduleOptions struct {
	*rootOptions
	params      []string
	triggeredBy string
	disabled    bool
}

func newScheduleCommand(root *rootOptions) *cobra.Command {
	opts := &scheduleOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "schedule <workflow-id> <cron>",
		Short: "Schedule a workflow on a cron expression",
		Long: `Create a scheduled job that runs a workflow on a five-field cron
expression or a descriptor such as @daily. Jobs run while "idflow serve"
is up; runs missed while it was down are caught up once at startup.

Example:
  idflow schedule 3 "30 2 * * *" --param env=prod`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "workflow parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.triggeredBy, "triggered-by", "scheduler", "trigger recorded on each execution")
	cmd.Flags().BoolVar(&opts.disabled, "disabled", false, "create the job disabled")
	return cmd
}

func (o *scheduleOptions) run(cmd *cobra.Command, arg, cronExpr string) error {
	workflowID, err := parseID(arg, "workflow id")
	if err != nil {
		return err
	}
	params, err := parseParams(o.params)
	if err != nil {
		return err
	}

	st, err := openStore(cmd.Context(), o.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if _, err := st.GetWorkflow(cmd.Context(), workflowID); err != nil {
		return err
	}

	job := &store.ScheduledJob{
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		Params:         params,
		TriggeredBy:    o.triggeredBy,
		Enabled:        !o.disabled,
	}
	// Scheduling only persists the job, so no runner is needed.
	if err := scheduler.NewScheduler(st, nil, o.logger).Schedule(cmd.Context(), job); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scheduled job %s, next run at %s\n", job.ID, job.NextRunAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}
