package actions

import (
	"context"
	"fmt"

	"github.com/rendis/idflow/internal/logging"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

type datasourceRefreshParams struct {
	IDs  []int64
	Wait bool
}

func parseDatasourceRefreshParams(m map[string]any) (datasourceRefreshParams, error) {
	ids, err := idListParam(m, "datasource_id", "datasource_ids")
	if err != nil {
		return datasourceRefreshParams{}, schema.NewErrorf(schema.ErrCodeValidation, "datasource_refresh: %s", err.Error())
	}
	if len(ids) == 0 {
		return datasourceRefreshParams{}, schema.NewError(schema.ErrCodeValidation, "datasource_refresh: no data source ids given")
	}
	return datasourceRefreshParams{IDs: ids, Wait: boolParam(m, "wait_for_completion", true)}, nil
}

// refreshTally aggregates per-data-source outcomes.
type refreshTally struct {
	refreshed, failed, skipped int
	processed, created         int
	updated, deleted, bad      int
	entries                    []any
}

type datasourceRefresh struct{ deps *Deps }

func (h *datasourceRefresh) run(ctx context.Context, rs *RunState, _ *store.Action, params map[string]any) (*Result, error) {
	p, err := parseDatasourceRefreshParams(params)
	if err != nil {
		return nil, err
	}
	if h.deps.Syncer == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "datasource_refresh: no sync engine configured")
	}

	triggeredBy := fmt.Sprintf("workflow_execution:%d", rs.ExecutionID())
	t := &refreshTally{entries: make([]any, 0, len(p.IDs))}
	for _, id := range p.IDs {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "datasource_refresh: cancelled").WithCause(err)
		}
		h.refreshOne(ctx, id, p.Wait, triggeredBy, t)
	}

	status, overall := refreshStatus(t)
	out := map[string]any{
		"success":               status != schema.ActionError,
		"status":                overall,
		"wait_for_completion":   p.Wait,
		"datasources_refreshed": t.refreshed,
		"datasources_failed":    t.failed,
		"datasources_skipped":   t.skipped,
		"records_processed":     t.processed,
		"records_created":       t.created,
		"records_updated":       t.updated,
		"records_deleted":       t.deleted,
		"records_failed":        t.bad,
		"results":               t.entries,
	}
	res := &Result{Status: status, Output: out}
	if status != schema.ActionSuccess {
		res.Message = fmt.Sprintf("%d of %d data sources failed, %d skipped", t.failed, len(p.IDs), t.skipped)
	}
	return res, nil
}

func (h *datasourceRefresh) refreshOne(ctx context.Context, id int64, wait bool, triggeredBy string, t *refreshTally) {
	log := logging.LogWith(logging.WithDataSourceID(ctx, id), h.deps.Logger)
	entry := map[string]any{"datasource_id": id}
	defer func() { t.entries = append(t.entries, entry) }()

	fail := func(err error) {
		t.failed++
		entry["status"] = "error"
		entry["error"] = errorMessage(err)
		log.WarnContext(ctx, "data source refresh failed", "error", err)
	}
	skip := func(reason string) {
		t.skipped++
		entry["status"] = "skipped"
		entry["message"] = reason
		log.WarnContext(ctx, "data source refresh skipped", "reason", reason)
	}

	ds, err := h.deps.Store.GetDataSource(ctx, id)
	if err != nil {
		fail(err)
		return
	}
	entry["name"] = ds.Name

	syncing, err := h.deps.Syncer.IsSyncing(ctx, id)
	if err != nil {
		fail(err)
		return
	}
	if syncing {
		skip("sync already running")
		return
	}

	var rec *store.SyncRecord
	if wait {
		rec, err = h.deps.Syncer.SyncData(ctx, id, triggeredBy)
	} else {
		rec, err = h.deps.Syncer.Enqueue(ctx, id, triggeredBy)
	}
	if schema.HasCode(err, schema.ErrCodeConflict) {
		skip("sync already running")
		return
	}
	if err != nil {
		fail(err)
		return
	}

	entry["sync_record_id"] = rec.ID
	if !wait {
		t.refreshed++
		entry["status"] = "queued"
		return
	}

	entry["status"] = string(rec.Status)
	entry["records_processed"] = rec.RecordsProcessed
	t.processed += rec.RecordsProcessed
	t.created += rec.RecordsCreated
	t.updated += rec.RecordsUpdated
	t.deleted += rec.RecordsDeleted
	t.bad += rec.RecordsFailed
	if rec.Status == schema.SyncError {
		t.failed++
		entry["error"] = rec.ErrorMessage
		log.WarnContext(ctx, "data source sync ended in error", "sync_record_id", rec.ID, "error", rec.ErrorMessage)
		return
	}
	t.refreshed++
}

// refreshStatus is success when nothing failed or was skipped, error when
// nothing was refreshed and something failed, warning otherwise.
func refreshStatus(t *refreshTally) (schema.ActionStatus, string) {
	switch {
	case t.failed == 0 && t.skipped == 0:
		return schema.ActionSuccess, "success"
	case t.refreshed == 0 && t.skipped == 0:
		return schema.ActionError, "error"
	default:
		return schema.ActionWarning, "warning"
	}
}
