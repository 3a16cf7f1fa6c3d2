package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/idflow/pkg/schema"
)

type syncOptions struct {
	*rootOptions
	async       bool
	triggeredBy string
}

func newSyncCommand(root *rootOptions) *cobra.Command {
	opts := &syncOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "sync <datasource-id>",
		Short: "Sync a data source into person profiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.async, "async", false, "enqueue the sync on the worker pool")
	cmd.Flags().StringVar(&opts.triggeredBy, "triggered-by", cliTrigger, "trigger recorded on the sync record")
	return cmd
}

func (o *syncOptions) run(cmd *cobra.Command, arg string) error {
	dsID, err := parseID(arg, "data source id")
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.close()

	syncFn := a.syncer.SyncData
	if o.async {
		syncFn = a.syncer.Enqueue
	}
	rec, err := syncFn(cmd.Context(), dsID, o.triggeredBy)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return fmt.Errorf("data source %d is already syncing", dsID)
		}
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
		return err
	}
	if rec.Status == schema.SyncError {
		return fmt.Errorf("sync %d finished with status %s: %s", rec.ID, rec.Status, rec.ErrorMessage)
	}
	return nil
}

type recoverOptions struct {
	*rootOptions
	olderThan time.Duration
}

func newRecoverStuckCommand(root *rootOptions) *cobra.Command {
	opts := &recoverOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "recover-stuck",
		Short: "Fail syncs left running by a crashed process",
		Long: `Mark every sync that has been running longer than --older-than as
failed and flag its data source needs_attention. Safe to run repeatedly.
Defaults to stuck_sync_threshold.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.olderThan, "older-than", 0, "age after which a running sync is stuck")
	return cmd
}

func (o *recoverOptions) run(cmd *cobra.Command) error {
	threshold := o.olderThan
	if threshold <= 0 {
		threshold = o.cfg.StuckSyncThreshold
	}

	a, err := newApp(cmd.Context(), o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.close()

	recs, err := a.syncer.RecoverStuck(cmd.Context(), threshold)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stuck sync(s)\n", len(recs))
	for _, rec := range recs {
		fmt.Fprintf(cmd.OutOrStdout(), "  sync %d (data source %d, started %s)\n",
			rec.ID, rec.DataSourceID, rec.StartedAt.Format(time.RFC3339))
	}
	return nil
}
