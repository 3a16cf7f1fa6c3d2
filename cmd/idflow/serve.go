package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/idflow/internal/scheduler"
	"github.com/rendis/idflow/pkg/mcp"
)

type serveOptions struct {
	*rootOptions
	mcp         bool
	metricsAddr string
	noScheduler bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the MCP server and the metrics endpoint",
		Long: `Run idflow as a long-lived process.

Stuck syncs are recovered at startup. The scheduler runs due jobs, the
metrics endpoint serves /metrics on metrics_addr, and with --mcp the MCP
tool server speaks on stdin/stdout. The process stops on SIGINT/SIGTERM,
or when the MCP client disconnects.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.mcp, "mcp", false, "serve MCP tools over stdio")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "metrics listen address (overrides metrics_addr)")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false, "do not run scheduled jobs")
	return cmd
}

func (o *serveOptions) run(cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.syncer.RecoverStuck(ctx, o.cfg.StuckSyncThreshold); err != nil {
		o.logger.Warn("stuck sync recovery failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	if addr := o.metricsAddrOrDefault(); addr != "" {
		g.Go(func() error { return a.metrics.Serve(gctx, addr, o.logger) })
	}

	if o.cfg.Scheduler.Enabled && !o.noScheduler {
		sched := scheduler.NewScheduler(a.store, a.engine, o.logger,
			scheduler.WithInterval(o.cfg.Scheduler.Interval))
		if err := sched.RecoverMissed(gctx); err != nil {
			o.logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(gctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	if o.mcp {
		srv := mcp.NewServer(mcp.ServerDeps{
			Runner: a.engine,
			Syncer: a.syncer,
			Store:  a.store,
			FSM:    a.engine.FSM(),
			Logger: o.logger,
		})
		g.Go(func() error {
			// A closed stdin ends the process.
			defer cancel()
			err := srv.Serve(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	o.logger.Info("idflow serving",
		slog.Bool("mcp", o.mcp),
		slog.Bool("scheduler", o.cfg.Scheduler.Enabled && !o.noScheduler),
		slog.String("metrics_addr", o.metricsAddrOrDefault()),
	)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	o.logger.Info("idflow stopping")
	return err
}

func (o *serveOptions) metricsAddrOrDefault() string {
	if o.metricsAddr != "" {
		return o.metricsAddr
	}
	return o.cfg.MetricsAddr
}
