// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// workflow runs, action executions and data-source syncs.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/pkg/schema"
)

const namespace = "idflow"

// Metrics collects idflow counters on a private registry. It satisfies the
// Metrics interfaces of the engine, actions, syncer and reconcile packages.
type Metrics struct {
	registry *prometheus.Registry

	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	actionExecutions *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec

	syncRuns    *prometheus.CounterVec
	syncRecords *prometheus.CounterVec

	attributeChanges      *prometheus.CounterVec
	unsupportedTransforms prometheus.Counter
	degradedMatches       prometheus.Counter
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		workflowRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Total number of finished workflow runs by final status",
			},
			[]string{"status"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		actionExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_executions_total",
				Help:      "Total number of action executions by action type and status",
			},
			[]string{"type", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_execution_duration_seconds",
				Help:      "Duration of action executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Total number of finished data-source syncs by source type and status",
			},
			[]string{"type", "status"},
		),
		syncRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_records_total",
				Help:      "Total number of source records processed by outcome",
			},
			[]string{"outcome"},
		),

		attributeChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attribute_changes_total",
				Help:      "Total number of profile attribute changes by change type",
			},
			[]string{"change_type"},
		),
		unsupportedTransforms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsupported_transforms_total",
			Help:      "Mapping transforms passed through unchanged",
		}),
		degradedMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_matches_total",
			Help:      "Fuzzy key matches that fell back to case-insensitive comparison",
		}),
	}

	registry.MustRegister(
		m.workflowRuns,
		m.workflowDuration,
		m.actionExecutions,
		m.actionDuration,
		m.syncRuns,
		m.syncRecords,
		m.attributeChanges,
		m.unsupportedTransforms,
		m.degradedMatches,
	)

	return m
}

// Registry returns the private registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WorkflowFinished records a workflow run reaching a terminal status.
func (m *Metrics) WorkflowFinished(status schema.ExecutionStatus, elapsed time.Duration) {
	m.workflowRuns.WithLabelValues(string(status)).Inc()
	m.workflowDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// ActionExecuted records a completed action execution.
func (m *Metrics) ActionExecuted(actionType schema.ActionType, status schema.ActionStatus, elapsed time.Duration) {
	m.actionExecutions.WithLabelValues(string(actionType), string(status)).Inc()
	m.actionDuration.WithLabelValues(string(actionType)).Observe(elapsed.Seconds())
}

// SyncFinished records a finished sync run.
func (m *Metrics) SyncFinished(dsType schema.DataSourceType, status schema.SyncStatus) {
	m.syncRuns.WithLabelValues(string(dsType), string(status)).Inc()
}

// SyncRecordProcessed records one source record with its outcome.
func (m *Metrics) SyncRecordProcessed(outcome string) {
	m.syncRecords.WithLabelValues(outcome).Inc()
}

// AttributeChanged records one profile attribute change.
func (m *Metrics) AttributeChanged(changeType schema.ChangeType) {
	m.attributeChanges.WithLabelValues(string(changeType)).Inc()
}

// UnsupportedTransform records a mapping transform that was not applied.
func (m *Metrics) UnsupportedTransform() { m.unsupportedTransforms.Inc() }

// DegradedMatch records a fuzzy match served by case-insensitive comparison.
func (m *Metrics) DegradedMatch() { m.degradedMatches.Inc() }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
