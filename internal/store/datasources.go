package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/idflow/pkg/schema"
)

// --- Database connections ---

func (s *LibSQLStore) CreateConnection(ctx context.Context, c *DatabaseConnection) error {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO database_connections (name, driver, dsn, timeout_seconds, max_retries, retry_delay_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.Driver, c.DSN, c.TimeoutSeconds, c.MaxRetries, c.RetryDelayMs, c.CreatedAt,
	)
	if err != nil {
		return mapConstraint(err, "connection", c.Name)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetConnection(ctx context.Context, id int64) (*DatabaseConnection, error) {
	return s.getConnection(ctx, "id = ?", id)
}

func (s *LibSQLStore) GetConnectionByName(ctx context.Context, name string) (*DatabaseConnection, error) {
	return s.getConnection(ctx, "name = ?", name)
}

func (s *LibSQLStore) getConnection(ctx context.Context, where string, key any) (*DatabaseConnection, error) {
	c := &DatabaseConnection{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, driver, dsn, timeout_seconds, max_retries, retry_delay_ms, created_at
		 FROM database_connections WHERE `+where, key,
	).Scan(&c.ID, &c.Name, &c.Driver, &c.DSN, &c.TimeoutSeconds, &c.MaxRetries, &c.RetryDelayMs, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("connection", key)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// --- Data sources ---

const dataSourceColumns = `id, name, type, settings, is_active, identity_resolution, matching_method,
	create_missing_profiles, sync_deleted, status, last_sync_at, created_at, updated_at`

func (s *LibSQLStore) CreateDataSource(ctx context.Context, ds *DataSource) error {
	settings := string(ds.Settings)
	if settings == "" || settings == "null" {
		settings = "{}"
	}
	if ds.MatchingMethod == "" {
		ds.MatchingMethod = schema.MatchExact
	}
	if ds.Status == "" {
		ds.Status = schema.DataSourceActive
	}
	ds.CreatedAt = timeOrNow(ds.CreatedAt)
	ds.UpdatedAt = ds.CreatedAt
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO data_sources (name, type, settings, is_active, identity_resolution, matching_method,
			create_missing_profiles, sync_deleted, status, last_sync_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ds.Name, string(ds.Type), settings, boolInt(ds.IsActive), boolInt(ds.IdentityResolution),
		string(ds.MatchingMethod), boolInt(ds.CreateMissingProfiles), boolInt(ds.SyncDeleted),
		string(ds.Status), nullTime(ds.LastSyncAt), ds.CreatedAt, ds.UpdatedAt,
	)
	if err != nil {
		return mapConstraint(err, "data source", ds.Name)
	}
	ds.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetDataSource(ctx context.Context, id int64) (*DataSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = ?`, id)
	ds, err := scanDataSource(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("data source", id)
	}
	return ds, err
}

func (s *LibSQLStore) GetDataSourceByName(ctx context.Context, name string) (*DataSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE name = ?`, name)
	ds, err := scanDataSource(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("data source", name)
	}
	return ds, err
}

func (s *LibSQLStore) UpdateDataSource(ctx context.Context, id int64, update DataSourceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.LastSyncAt != nil {
		sets = append(sets, "last_sync_at = ?")
		args = append(args, *update.LastSyncAt)
	}
	if update.Settings != nil {
		sets = append(sets, "settings = ?")
		args = append(args, string(update.Settings))
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE data_sources SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "data source", id)
}

func (s *LibSQLStore) ListDataSources(ctx context.Context) ([]*DataSource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dataSourceColumns+` FROM data_sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

func scanDataSource(sc scanner) (*DataSource, error) {
	ds := &DataSource{}
	var (
		dsType, settings, method, status string
		lastSync                         sql.NullTime
	)
	if err := sc.Scan(&ds.ID, &ds.Name, &dsType, &settings, &ds.IsActive, &ds.IdentityResolution, &method,
		&ds.CreateMissingProfiles, &ds.SyncDeleted, &status, &lastSync, &ds.CreatedAt, &ds.UpdatedAt); err != nil {
		return nil, err
	}
	ds.Type = schema.DataSourceType(dsType)
	ds.Settings = json.RawMessage(settings)
	ds.MatchingMethod = schema.MatchingMethod(method)
	ds.Status = schema.DataSourceStatus(status)
	ds.LastSyncAt = timePtr(lastSync)
	return ds, nil
}

// --- Sync records ---

const syncRecordColumns = `id, datasource_id, status, records_processed, records_created, records_updated,
	records_deleted, records_failed, error_message, triggered_by, started_at, completed_at`

// CreateSyncRecord inserts a running record. The partial unique index on
// (datasource_id) WHERE status='running' turns a concurrent insert into CONFLICT.
func (s *LibSQLStore) CreateSyncRecord(ctx context.Context, rec *SyncRecord) error {
	if rec.Status == "" {
		rec.Status = schema.SyncRunning
	}
	rec.StartedAt = stamp(rec.StartedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_records (datasource_id, status, records_processed, records_created, records_updated,
			records_deleted, records_failed, error_message, triggered_by, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DataSourceID, string(rec.Status), rec.RecordsProcessed, rec.RecordsCreated, rec.RecordsUpdated,
		rec.RecordsDeleted, rec.RecordsFailed, nullStr(rec.ErrorMessage), nullStr(rec.TriggeredBy),
		rec.StartedAt, nullTime(rec.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"data source %d already has a running sync", rec.DataSourceID).
				WithDetails(map[string]any{"datasource_id": rec.DataSourceID}).
				WithCause(err)
		}
		return fmt.Errorf("insert sync record: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetSyncRecord(ctx context.Context, id int64) (*SyncRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncRecordColumns+` FROM sync_records WHERE id = ?`, id)
	rec, err := scanSyncRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sync record", id)
	}
	return rec, err
}

func (s *LibSQLStore) GetRunningSyncRecord(ctx context.Context, dataSourceID int64) (*SyncRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncRecordColumns+` FROM sync_records WHERE datasource_id = ? AND status = 'running'`, dataSourceID)
	rec, err := scanSyncRecord(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("running sync record for data source", dataSourceID)
	}
	return rec, err
}

// CompleteSyncRecord finalizes a running record. A record that already left
// running is reported as INVALID_TRANSITION.
func (s *LibSQLStore) CompleteSyncRecord(ctx context.Context, id int64, c SyncCompletion) error {
	if c.Status == schema.SyncRunning {
		return schema.NewError(schema.ErrCodeInvalidTransition, "sync record cannot complete as running")
	}
	completed := stamp(c.CompletedAt)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_records SET status = ?, records_processed = ?, records_created = ?, records_updated = ?,
			records_deleted = ?, records_failed = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(c.Status), c.RecordsProcessed, c.RecordsCreated, c.RecordsUpdated,
		c.RecordsDeleted, c.RecordsFailed, nullStr(c.ErrorMessage), completed, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSyncRecord(ctx, id); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "sync record %d is not running", id)
	}
	return nil
}

func (s *LibSQLStore) ListSyncRecords(ctx context.Context, dataSourceID int64, limit int) ([]*SyncRecord, error) {
	query := `SELECT ` + syncRecordColumns + ` FROM sync_records WHERE 1=1`
	var args []any
	if dataSourceID != 0 {
		query += " AND datasource_id = ?"
		args = append(args, dataSourceID)
	}
	query += " ORDER BY started_at DESC, id DESC"
	query, args = appendLimit(query, args, limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSyncRecords(rows)
}

// RecoverStuckSyncRecords marks every record still running since before
// startedBefore as error and flags its data source as needs_attention.
func (s *LibSQLStore) RecoverStuckSyncRecords(ctx context.Context, startedBefore time.Time, message string) ([]*SyncRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT `+syncRecordColumns+` FROM sync_records WHERE status = 'running' AND started_at < ? ORDER BY id`,
		startedBefore.UTC())
	if err != nil {
		return nil, err
	}
	stuck, err := collectSyncRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, rec := range stuck {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_records SET status = 'error', error_message = ?, completed_at = ? WHERE id = ?`,
			message, now, rec.ID); err != nil {
			return nil, fmt.Errorf("recover sync record %d: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE data_sources SET status = ?, updated_at = ? WHERE id = ?`,
			string(schema.DataSourceNeedsAttention), now, rec.DataSourceID); err != nil {
			return nil, fmt.Errorf("flag data source %d: %w", rec.DataSourceID, err)
		}
		rec.Status = schema.SyncError
		rec.ErrorMessage = message
		completed := now
		rec.CompletedAt = &completed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stuck, nil
}

func collectSyncRecords(rows *sql.Rows) ([]*SyncRecord, error) {
	var out []*SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSyncRecord(sc scanner) (*SyncRecord, error) {
	rec := &SyncRecord{}
	var (
		status              string
		errMsg, triggeredBy sql.NullString
		completed           sql.NullTime
	)
	if err := sc.Scan(&rec.ID, &rec.DataSourceID, &status, &rec.RecordsProcessed, &rec.RecordsCreated,
		&rec.RecordsUpdated, &rec.RecordsDeleted, &rec.RecordsFailed, &errMsg, &triggeredBy,
		&rec.StartedAt, &completed); err != nil {
		return nil, err
	}
	rec.Status = schema.SyncStatus(status)
	rec.ErrorMessage = errMsg.String
	rec.TriggeredBy = triggeredBy.String
	rec.CompletedAt = timePtr(completed)
	return rec, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}

// --- Field mappings ---

func (s *LibSQLStore) CreateFieldMapping(ctx context.Context, m *ProfileFieldMapping) error {
	if m.MappingType == "" {
		m.MappingType = schema.MappingDirect
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_field_mappings (datasource_id, source_field, profile_attribute, mapping_type,
			is_key_field, priority, is_multivalued, is_enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.DataSourceID, m.SourceField, m.ProfileAttribute, string(m.MappingType),
		boolInt(m.IsKeyField), m.Priority, boolInt(m.IsMultivalued), boolInt(m.IsEnabled),
	)
	if err != nil {
		return mapConstraint(err, "field mapping", m.SourceField+"->"+m.ProfileAttribute)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// ListFieldMappings returns every mapping of a data source, enabled or not.
func (s *LibSQLStore) ListFieldMappings(ctx context.Context, dataSourceID int64) ([]*ProfileFieldMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, datasource_id, source_field, profile_attribute, mapping_type, is_key_field, priority,
			is_multivalued, is_enabled
		 FROM profile_field_mappings WHERE datasource_id = ? ORDER BY id`, dataSourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProfileFieldMapping
	for rows.Next() {
		m := &ProfileFieldMapping{}
		var mappingType string
		if err := rows.Scan(&m.ID, &m.DataSourceID, &m.SourceField, &m.ProfileAttribute, &mappingType,
			&m.IsKeyField, &m.Priority, &m.IsMultivalued, &m.IsEnabled); err != nil {
			return nil, err
		}
		m.MappingType = schema.MappingType(mappingType)
		out = append(out, m)
	}
	return out, rows.Err()
}
