// Package syncer pulls records from data sources into the reconciliation
// engine and keeps one sync record per run.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/reconcile"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/worker"
	"github.com/rendis/idflow/pkg/schema"
)

// Record outcomes reported to Metrics.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics receives sync events. Implemented by the telemetry package.
type Metrics interface {
	SyncFinished(dsType schema.DataSourceType, status schema.SyncStatus)
	SyncRecordProcessed(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) SyncFinished(schema.DataSourceType, schema.SyncStatus) {}
func (nopMetrics) SyncRecordProcessed(string)                            {}

// Engine runs data source syncs. At most one sync per data source runs at
// a time: an in-process claim set guards this process and the store's
// unique running-record index guards across processes.
type Engine struct {
	store      store.Store
	reconciler *reconcile.Engine
	opener     Opener
	pool       *worker.Pool
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer
	now        func() time.Time

	claims sync.Map // datasource id -> struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPool sets the pool used by Enqueue.
func WithPool(p *worker.Pool) Option { return func(e *Engine) { e.pool = p } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer for sync spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a sync engine.
func NewEngine(s store.Store, r *reconcile.Engine, opener Opener, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		reconciler: r,
		opener:     opener,
		logger:     logging.OrDefault(logger),
		metrics:    nopMetrics{},
		tracer:     noop.NewTracerProvider().Tracer(""),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// run is one claimed sync between begin and finish.
type run struct {
	ds     *store.DataSource
	record *store.SyncRecord
}

// SyncData runs a full sync of the data source and returns the completed
// sync record. A run that fails inside the stream still returns its record
// with status error; errors are returned only when no run could start.
func (e *Engine) SyncData(ctx context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error) {
	r, err := e.begin(ctx, dsID, triggeredBy)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, r), nil
}

// Enqueue claims the data source and creates the running record, then runs
// the sync on the worker pool. The returned record is still running.
func (e *Engine) Enqueue(ctx context.Context, dsID int64, triggeredBy string) (*store.SyncRecord, error) {
	if e.pool == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "sync engine has no worker pool")
	}
	r, err := e.begin(ctx, dsID, triggeredBy)
	if err != nil {
		return nil, err
	}
	pending := *r.record
	err = e.pool.Submit(ctx, fmt.Sprintf("sync:%d", dsID), func(jobCtx context.Context) error {
		rec := e.execute(jobCtx, r)
		if rec.Status == schema.SyncError {
			return fmt.Errorf("sync of data source %d failed: %s", dsID, rec.ErrorMessage)
		}
		return nil
	})
	if err != nil {
		e.finish(ctx, r, tally{}, schema.SyncError, "enqueue failed: "+err.Error())
		return nil, schema.NewError(schema.ErrCodeExecution, "enqueue sync").WithCause(err)
	}
	return &pending, nil
}

// IsSyncing reports whether a sync of the data source is in progress here
// or recorded as running in the store.
func (e *Engine) IsSyncing(ctx context.Context, dsID int64) (bool, error) {
	if _, held := e.claims.Load(dsID); held {
		return true, nil
	}
	_, err := e.store.GetRunningSyncRecord(ctx, dsID)
	if err == nil {
		return true, nil
	}
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return false, nil
	}
	return false, err
}

// RecoverStuck fails every sync that has been running longer than
// threshold and flags its data source needs_attention. Safe to rerun.
func (e *Engine) RecoverStuck(ctx context.Context, threshold time.Duration) ([]*store.SyncRecord, error) {
	if threshold <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "recovery threshold must be positive")
	}
	msg := fmt.Sprintf("sync still running after %s; marked failed by recovery", threshold)
	recs, err := e.store.RecoverStuckSyncRecords(ctx, e.now().Add(-threshold), msg)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "recover stuck syncs").WithCause(err)
	}
	for _, rec := range recs {
		e.logger.WarnContext(ctx, "recovered stuck sync",
			"sync_record_id", rec.ID, "datasource_id", rec.DataSourceID, "started_at", rec.StartedAt)
	}
	return recs, nil
}

// TestConnection opens the data source and tests it.
func (e *Engine) TestConnection(ctx context.Context, dsID int64) (bool, string) {
	ds, err := e.store.GetDataSource(ctx, dsID)
	if err != nil {
		return false, err.Error()
	}
	src, err := e.opener.Open(ctx, ds)
	if err != nil {
		return false, err.Error()
	}
	defer src.Close()
	return src.TestConnection(ctx)
}

// DetectFields lists the fields the data source exposes.
func (e *Engine) DetectFields(ctx context.Context, dsID int64) ([]FieldDescriptor, error) {
	ds, err := e.store.GetDataSource(ctx, dsID)
	if err != nil {
		return nil, err
	}
	src, err := e.opener.Open(ctx, ds)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return src.DetectFields(ctx)
}

func (e *Engine) claim(dsID int64) bool {
	_, loaded := e.claims.LoadOrStore(dsID, struct{}{})
	return !loaded
}

func (e *Engine) release(dsID int64) { e.claims.Delete(dsID) }

// begin claims the data source and inserts the running record before any I/O.
func (e *Engine) begin(ctx context.Context, dsID int64, triggeredBy string) (*run, error) {
	ds, err := e.store.GetDataSource(ctx, dsID)
	if err != nil {
		return nil, err
	}
	if !ds.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "data source %q is inactive", ds.Name)
	}
	if !e.claim(dsID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "data source %q is already syncing", ds.Name).
			WithDetails(map[string]any{"datasource_id": dsID})
	}

	rec := &store.SyncRecord{
		DataSourceID: dsID,
		Status:       schema.SyncRunning,
		TriggeredBy:  triggeredBy,
		StartedAt:    e.now(),
	}
	if err := e.store.CreateSyncRecord(ctx, rec); err != nil {
		e.release(dsID)
		return nil, err
	}
	syncing := schema.DataSourceSyncing
	if err := e.store.UpdateDataSource(ctx, dsID, store.DataSourceUpdate{Status: &syncing}); err != nil {
		e.logger.WarnContext(ctx, "mark data source syncing failed", "datasource_id", dsID, "error", err)
	}
	return &run{ds: ds, record: rec}, nil
}

type tally struct {
	processed, created, updated, deleted, failed int
}

// execute streams and reconciles every record. The record is always
// finalized and the claim released, whatever happens in between.
func (e *Engine) execute(ctx context.Context, r *run) (result *store.SyncRecord) {
	ctx = logging.WithDataSourceID(ctx, r.ds.ID)
	logger := logging.LogWith(ctx, e.logger)
	ctx, span := e.tracer.Start(ctx, "sync.run", trace.WithAttributes(
		attribute.Int64("datasource.id", r.ds.ID),
		attribute.String("datasource.type", string(r.ds.Type)),
		attribute.Int64("sync_record.id", r.record.ID),
	))
	defer span.End()

	var (
		t       tally
		status  = schema.SyncError
		message string
	)
	defer func() {
		if p := recover(); p != nil {
			status, message = schema.SyncError, fmt.Sprintf("sync panicked: %v", p)
			logger.ErrorContext(ctx, "sync panicked", "panic", p)
		}
		result = e.finish(ctx, r, t, status, message)
		if status == schema.SyncError {
			span.SetStatus(codes.Error, message)
		}
		span.SetAttributes(
			attribute.Int("records.processed", t.processed),
			attribute.Int("records.failed", t.failed),
		)
	}()

	logger.InfoContext(ctx, "sync started", "name", r.ds.Name, "type", r.ds.Type, "sync_record_id", r.record.ID)

	session, err := e.reconciler.NewSession(ctx, r.ds, r.record.ID)
	if err != nil {
		message = err.Error()
		return
	}
	src, err := e.opener.Open(ctx, r.ds)
	if err != nil {
		message = err.Error()
		return
	}
	defer src.Close()

	var seen []string
	streamErr := src.Stream(ctx, func(rec Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.processed++
		if rec.Err != nil {
			t.failed++
			e.metrics.SyncRecordProcessed(OutcomeFailed)
			logger.WarnContext(ctx, "skipping unreadable record", "error", rec.Err)
			return nil
		}
		if rec.ID != "" {
			seen = append(seen, rec.ID)
		}
		out, err := session.ProcessRecord(ctx, rec.Fields, rec.ID)
		if err != nil {
			t.failed++
			e.metrics.SyncRecordProcessed(OutcomeFailed)
			logger.WarnContext(ctx, "record failed", "record_id", rec.ID, "error", err)
			return nil
		}
		outcome := OutcomeUnchanged
		switch {
		case out.Created:
			t.created++
			outcome = OutcomeCreated
		case out.Updated():
			t.updated++
			outcome = OutcomeUpdated
		case out.Skipped:
			outcome = OutcomeSkipped
		}
		e.metrics.SyncRecordProcessed(outcome)
		return nil
	})
	if streamErr != nil {
		message = "stream failed: " + streamErr.Error()
		logger.ErrorContext(ctx, "sync stream failed", "error", streamErr, "processed", t.processed)
		return
	}

	if r.ds.SyncDeleted && len(seen) > 0 {
		removed, err := session.RemoveMissingAttributes(ctx, seen)
		if err != nil {
			logger.WarnContext(ctx, "missing attribute cleanup failed", "error", err)
		}
		t.deleted = removed
	}

	status, message = syncStatus(t)
	return
}

// syncStatus is success with no failures, error when every record failed,
// and warning in between.
func syncStatus(t tally) (schema.SyncStatus, string) {
	switch {
	case t.failed == 0:
		return schema.SyncSuccess, ""
	case t.failed < t.processed:
		return schema.SyncWarning, fmt.Sprintf("%d of %d records failed", t.failed, t.processed)
	default:
		return schema.SyncError, fmt.Sprintf("all %d records failed", t.processed)
	}
}

// finish completes the sync record, updates the data source and releases
// the claim. Writes use a context detached from cancellation.
func (e *Engine) finish(ctx context.Context, r *run, t tally, status schema.SyncStatus, message string) *store.SyncRecord {
	defer e.release(r.ds.ID)
	wctx := context.WithoutCancel(ctx)
	logger := logging.LogWith(wctx, e.logger)
	now := e.now()

	err := e.store.CompleteSyncRecord(wctx, r.record.ID, store.SyncCompletion{
		Status:           status,
		RecordsProcessed: t.processed,
		RecordsCreated:   t.created,
		RecordsUpdated:   t.updated,
		RecordsDeleted:   t.deleted,
		RecordsFailed:    t.failed,
		ErrorMessage:     message,
		CompletedAt:      now,
	})
	if err != nil {
		logger.WarnContext(wctx, "complete sync record failed", "sync_record_id", r.record.ID, "error", err)
	}

	dsStatus := schema.DataSourceActive
	if status == schema.SyncError {
		dsStatus = schema.DataSourceError
	}
	if err := e.store.UpdateDataSource(wctx, r.ds.ID, store.DataSourceUpdate{Status: &dsStatus, LastSyncAt: &now}); err != nil {
		logger.WarnContext(wctx, "update data source after sync failed", "error", err)
	}
	e.metrics.SyncFinished(r.ds.Type, status)

	logAt := slog.LevelInfo
	if status != schema.SyncSuccess {
		logAt = slog.LevelWarn
	}
	logger.Log(wctx, logAt, "sync finished", "status", status, "processed", t.processed,
		"created", t.created, "updated", t.updated, "deleted", t.deleted, "failed", t.failed, "message", message)

	rec, err := e.store.GetSyncRecord(wctx, r.record.ID)
	if err != nil {
		out := *r.record
		out.Status = status
		out.RecordsProcessed, out.RecordsCreated, out.RecordsUpdated = t.processed, t.created, t.updated
		out.RecordsDeleted, out.RecordsFailed, out.ErrorMessage = t.deleted, t.failed, message
		out.CompletedAt = &now
		return &out
	}
	return rec
}
