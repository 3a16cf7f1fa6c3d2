package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/connector"
	"github.com/rendis/idflow/internal/reconcile"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/store/storetest"
	"github.com/rendis/idflow/internal/worker"
	"github.com/rendis/idflow/pkg/schema"
)

type recordingMetrics struct {
	finished []schema.SyncStatus
	outcomes map[string]int
}

func (m *recordingMetrics) SyncFinished(_ schema.DataSourceType, s schema.SyncStatus) {
	m.finished = append(m.finished, s)
}

func (m *recordingMetrics) SyncRecordProcessed(outcome string) {
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

type harness struct {
	store   *store.LibSQLStore
	engine  *Engine
	metrics *recordingMetrics
	pool    *worker.Pool
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storetest.New(t)
	h := &harness{store: st, metrics: &recordingMetrics{}, pool: worker.New(2, nil), dir: t.TempDir()}
	opener := &ConnectorOpener{Store: st, Connectors: &connector.Factory{}}
	h.engine = NewEngine(st, reconcile.NewEngine(st, nil), opener, nil,
		WithPool(h.pool), WithMetrics(h.metrics))
	t.Cleanup(func() { _ = h.pool.Shutdown(context.Background()) })
	return h
}

func (h *harness) writeCSV(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func (h *harness) csvSource(t *testing.T, path string, mutate func(*store.DataSource)) *store.DataSource {
	t.Helper()
	settings, err := json.Marshal(CSVSettings{Path: path, IDField: "id"})
	require.NoError(t, err)
	ds := &store.DataSource{
		Name:                  filepath.Base(path),
		Type:                  schema.DataSourceCSV,
		Settings:              settings,
		IsActive:              true,
		IdentityResolution:    true,
		MatchingMethod:        schema.MatchExact,
		CreateMissingProfiles: true,
	}
	if mutate != nil {
		mutate(ds)
	}
	ctx := context.Background()
	require.NoError(t, h.store.CreateDataSource(ctx, ds))
	for _, m := range []*store.ProfileFieldMapping{
		{SourceField: "email", ProfileAttribute: "email", IsKeyField: true, Priority: 10, IsEnabled: true},
		{SourceField: "first", ProfileAttribute: "first_name", Priority: 1, IsEnabled: true},
		{SourceField: "dept", ProfileAttribute: "department", Priority: 1, IsEnabled: true},
	} {
		m.DataSourceID = ds.ID
		require.NoError(t, h.store.CreateFieldMapping(ctx, m))
	}
	return ds
}

var fivePeople = []string{
	"id,email,first,dept",
	"1,ada@example.com,Ada,eng",
	"2,bob@example.com,Bob,ops",
	"3,cy@example.com,Cy,eng",
	"4,dee@example.com,Dee,sales",
	"5,eve@example.com,Eve,eng",
}

func TestSyncData_CSVSuccess(t *testing.T) {
	h := newHarness(t)
	ds := h.csvSource(t, h.writeCSV(t, "people.csv", fivePeople...), nil)

	rec, err := h.engine.SyncData(context.Background(), ds.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSuccess, rec.Status)
	assert.Equal(t, 5, rec.RecordsProcessed)
	assert.Equal(t, 5, rec.RecordsCreated)
	assert.Zero(t, rec.RecordsFailed)
	assert.Equal(t, "test", rec.TriggeredBy)
	assert.NotNil(t, rec.CompletedAt)

	got, err := h.store.GetDataSource(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DataSourceActive, got.Status)
	assert.NotNil(t, got.LastSyncAt)
	assert.Equal(t, []schema.SyncStatus{schema.SyncSuccess}, h.metrics.finished)
	assert.Equal(t, 5, h.metrics.outcomes[OutcomeCreated])

	syncing, err := h.engine.IsSyncing(context.Background(), ds.ID)
	require.NoError(t, err)
	assert.False(t, syncing)

	rec, err = h.engine.SyncData(context.Background(), ds.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSuccess, rec.Status)
	assert.Zero(t, rec.RecordsCreated)
	assert.Zero(t, rec.RecordsUpdated)
	assert.Equal(t, 5, h.metrics.outcomes[OutcomeUnchanged])
}

func TestSyncData_StatusFromFailures(t *testing.T) {
	t.Run("partial failure is warning", func(t *testing.T) {
		h := newHarness(t)
		lines := append(append([]string{}, fivePeople...), "6,only-two-fields")
		ds := h.csvSource(t, h.writeCSV(t, "partial.csv", lines...), nil)

		rec, err := h.engine.SyncData(context.Background(), ds.ID, "test")
		require.NoError(t, err)
		assert.Equal(t, schema.SyncWarning, rec.Status)
		assert.Equal(t, 6, rec.RecordsProcessed)
		assert.Equal(t, 1, rec.RecordsFailed)
		assert.Equal(t, 5, rec.RecordsCreated)
		assert.Contains(t, rec.ErrorMessage, "1 of 6")
	})

	t.Run("every record failing is error", func(t *testing.T) {
		h := newHarness(t)
		ds := h.csvSource(t, h.writeCSV(t, "bad.csv", "id,email,first,dept", "1,x", "2,y"), nil)

		rec, err := h.engine.SyncData(context.Background(), ds.ID, "test")
		require.NoError(t, err)
		assert.Equal(t, schema.SyncError, rec.Status)
		got, err := h.store.GetDataSource(context.Background(), ds.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.DataSourceError, got.Status)
	})

	t.Run("stream failure is error", func(t *testing.T) {
		h := newHarness(t)
		ds := h.csvSource(t, filepath.Join(h.dir, "missing.csv"), nil)

		rec, err := h.engine.SyncData(context.Background(), ds.ID, "test")
		require.NoError(t, err)
		assert.Equal(t, schema.SyncError, rec.Status)
		assert.Contains(t, rec.ErrorMessage, "stream failed")
	})
}

func TestSyncStatus(t *testing.T) {
	tests := []struct {
		name string
		t    tally
		want schema.SyncStatus
	}{
		{"empty", tally{}, schema.SyncSuccess},
		{"clean", tally{processed: 4}, schema.SyncSuccess},
		{"partial", tally{processed: 4, failed: 3}, schema.SyncWarning},
		{"all", tally{processed: 4, failed: 4}, schema.SyncError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := syncStatus(tt.t)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSyncData_MutualExclusion(t *testing.T) {
	ctx := context.Background()

	t.Run("running record in store", func(t *testing.T) {
		h := newHarness(t)
		ds := h.csvSource(t, h.writeCSV(t, "people.csv", fivePeople...), nil)
		require.NoError(t, h.store.CreateSyncRecord(ctx, &store.SyncRecord{DataSourceID: ds.ID, TriggeredBy: "other"}))

		_, err := h.engine.SyncData(ctx, ds.ID, "test")
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

		recs, err := h.store.ListSyncRecords(ctx, ds.ID, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		syncing, err := h.engine.IsSyncing(ctx, ds.ID)
		require.NoError(t, err)
		assert.True(t, syncing)
	})

	t.Run("claim held in process", func(t *testing.T) {
		h := newHarness(t)
		ds := h.csvSource(t, h.writeCSV(t, "people.csv", fivePeople...), nil)
		require.True(t, h.engine.claim(ds.ID))

		_, err := h.engine.SyncData(ctx, ds.ID, "test")
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
		recs, err := h.store.ListSyncRecords(ctx, ds.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)

		h.engine.release(ds.ID)
		rec, err := h.engine.SyncData(ctx, ds.ID, "test")
		require.NoError(t, err)
		assert.Equal(t, schema.SyncSuccess, rec.Status)
	})
}

func TestSyncData_CustomMatchingAbortsSync(t *testing.T) {
	h := newHarness(t)
	ds := h.csvSource(t, h.writeCSV(t, "people.csv", fivePeople...), func(ds *store.DataSource) {
		ds.MatchingMethod = schema.MatchCustom
	})

	rec, err := h.engine.SyncData(context.Background(), ds.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncError, rec.Status)
	assert.Zero(t, rec.RecordsProcessed)
	assert.Contains(t, rec.ErrorMessage, "not supported")
}

func TestSyncData_InactiveAndMissing(t *testing.T) {
	h := newHarness(t)
	ds := h.csvSource(t, h.writeCSV(t, "people.csv", fivePeople...), func(ds *store.DataSource) {
		ds.IsActive = false
	})
	_, err := h.engine.SyncData(context.Background(), ds.ID, "test")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, err = h.engine.SyncData(context.Background(), 9999, "test")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestSyncData_RemovesAttributesOfMissingRecords(t *testing.T) {
	h := newHarness(t)
	path := h.writeCSV(t, "people.csv", fivePeople...)
	ds := h.csvSource(t, path, func(ds *store.DataSource) { ds.SyncDeleted = true })
	ctx := context.Background()

	_, err := h.engine.SyncData(ctx, ds.ID, "test")
	require.NoError(t, err)

	h.writeCSV(t, "people.csv", fivePeople[:4]...)
	rec, err := h.engine.SyncData(ctx, ds.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSuccess, rec.Status)
	assert.Equal(t, 6, rec.RecordsDeleted, "three attributes each for records 4 and 5")

	eve, err := h.store.GetPersonByEmail(ctx, "eve@example.com")
	require.NoError(t, err)
	rows, err := h.store.ListAttributeSources(ctx, store.AttributeFilter{PersonID: eve.ID, CurrentOnly: true})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEnqueue_RunsOnPool(t *testing.T) {
	h := newHarness(t)
	ds := h.csvSource(t, h.writeCSV(t, "people.csv", fivePeople...), nil)

	pending, err := h.engine.Enqueue(context.Background(), ds.ID, "async")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncRunning, pending.Status)

	h.pool.Wait()
	rec, err := h.store.GetSyncRecord(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSuccess, rec.Status)
	assert.Equal(t, 5, rec.RecordsProcessed)
	assert.EqualValues(t, 1, h.pool.Metrics().Completed)
}

func TestRecoverStuck(t *testing.T) {
	h := newHarness(t)
	ds := h.csvSource(t, h.writeCSV(t, "people.csv", fivePeople...), nil)
	ctx := context.Background()
	require.NoError(t, h.store.CreateSyncRecord(ctx, &store.SyncRecord{
		DataSourceID: ds.ID, StartedAt: time.Now().Add(-3 * time.Hour),
	}))

	_, err := h.engine.RecoverStuck(ctx, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	recs, err := h.engine.RecoverStuck(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.SyncError, recs[0].Status)

	got, err := h.store.GetDataSource(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DataSourceNeedsAttention, got.Status)

	recs, err = h.engine.RecoverStuck(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, recs)

	rec, err := h.engine.SyncData(ctx, ds.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSuccess, rec.Status)
}

func TestSyncData_DatabaseSourcePages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dsn := "file:" + filepath.Join(h.dir, "hr.db")

	seed, err := connector.NewSQLConnector(connector.DialectSQLite, dsn, connector.Options{})
	require.NoError(t, err)
	var script strings.Builder
	script.WriteString("CREATE TABLE staff (id INTEGER PRIMARY KEY, email TEXT, first TEXT, dept TEXT);")
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&script, "INSERT INTO staff VALUES (%d, 'p%d@example.com', 'P%d', 'eng');", i, i, i)
	}
	_, err = seed.ExecuteScript(ctx, script.String(), nil)
	require.NoError(t, err)
	require.NoError(t, seed.Disconnect())

	conn := &store.DatabaseConnection{Name: "hr", Driver: "sqlite", DSN: dsn}
	require.NoError(t, h.store.CreateConnection(ctx, conn))

	settings, err := json.Marshal(DatabaseSettings{Connection: "hr", Table: "staff", OrderBy: "id", IDField: "id", PageSize: 2})
	require.NoError(t, err)
	ds := &store.DataSource{
		Name: "hr-db", Type: schema.DataSourceDatabase, Settings: settings, IsActive: true,
		IdentityResolution: true, MatchingMethod: schema.MatchCaseInsensitive, CreateMissingProfiles: true,
	}
	require.NoError(t, h.store.CreateDataSource(ctx, ds))
	require.NoError(t, h.store.CreateFieldMapping(ctx, &store.ProfileFieldMapping{
		DataSourceID: ds.ID, SourceField: "email", ProfileAttribute: "email", IsKeyField: true, IsEnabled: true,
	}))

	ok, msg := h.engine.TestConnection(ctx, ds.ID)
	assert.True(t, ok, msg)

	fields, err := h.engine.DetectFields(ctx, ds.ID)
	require.NoError(t, err)
	require.Len(t, fields, 4)
	assert.Equal(t, "id", fields[0].Name)

	rec, err := h.engine.SyncData(ctx, ds.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, schema.SyncSuccess, rec.Status)
	assert.Equal(t, 5, rec.RecordsProcessed)
	assert.Equal(t, 5, rec.RecordsCreated)
}

func TestDecodeSettings(t *testing.T) {
	var csvCfg CSVSettings
	err := decodeSettings(json.RawMessage(`{"delimiter":";"}`), &csvCfg)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	err = decodeSettings(json.RawMessage(`{"connection":"hr","table":"staff; DROP TABLE x"}`), &DatabaseSettings{})
	assert.Error(t, err)
	err = decodeSettings(json.RawMessage(`{"connection":"hr"}`), &DatabaseSettings{})
	assert.Error(t, err, "query or table is required")
	assert.NoError(t, decodeSettings(json.RawMessage(`{"connection_id":3,"query":"SELECT * FROM staff"}`), &DatabaseSettings{}))

	err = decodeSettings(json.RawMessage(`{not json`), &DatabaseSettings{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}
