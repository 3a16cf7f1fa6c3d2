package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/idflow/pkg/schema"
)

// personFields lists the direct person columns that may be filtered and matched on.
var personFields = map[string]string{
	"unique_id":       "unique_id",
	"uniqueId":        "unique_id",
	"first_name":      "first_name",
	"firstName":       "first_name",
	"last_name":       "last_name",
	"lastName":        "last_name",
	"display_name":    "display_name",
	"displayName":     "display_name",
	"email":           "email",
	"secondary_email": "secondary_email",
	"secondaryEmail":  "secondary_email",
	"phone":           "phone",
	"status":          "status",
}

// PersonColumn resolves a person field name (snake or camel case) to its column.
func PersonColumn(field string) (string, bool) {
	col, ok := personFields[field]
	return col, ok
}

// --- Persons ---

const personColumns = `id, unique_id, first_name, last_name, display_name, email, secondary_email, phone,
	status, attributes, created_at, updated_at`

func (s *LibSQLStore) CreatePerson(ctx context.Context, p *Person) error {
	attrs, err := marshalMapOrDefault(p.Attributes)
	if err != nil {
		return fmt.Errorf("marshal person attributes: %w", err)
	}
	if p.Status == "" {
		p.Status = "active"
	}
	p.CreatedAt = timeOrNow(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO persons (unique_id, first_name, last_name, display_name, email, secondary_email, phone,
			status, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.UniqueID, p.FirstName, p.LastName, p.DisplayName, p.Email, p.SecondaryEmail, p.Phone,
		p.Status, string(attrs), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return mapConstraint(err, "person", p.UniqueID)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetPerson(ctx context.Context, id int64) (*Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE id = ?`, id)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("person", id)
	}
	return p, err
}

func (s *LibSQLStore) GetPersonByUniqueID(ctx context.Context, uniqueID string) (*Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+` FROM persons WHERE unique_id = ?`, uniqueID)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("person", uniqueID)
	}
	return p, err
}

// GetPersonByEmail matches email case-insensitively and returns the lowest id.
func (s *LibSQLStore) GetPersonByEmail(ctx context.Context, email string) (*Person, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+personColumns+` FROM persons WHERE LOWER(email) = LOWER(?) ORDER BY id LIMIT 1`, email)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("person with email", email)
	}
	return p, err
}

// UpdatePerson overwrites every mutable column of p.
func (s *LibSQLStore) UpdatePerson(ctx context.Context, p *Person) error {
	attrs, err := marshalMapOrDefault(p.Attributes)
	if err != nil {
		return fmt.Errorf("marshal person attributes: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE persons SET first_name = ?, last_name = ?, display_name = ?, email = ?, secondary_email = ?,
			phone = ?, status = ?, attributes = ?, updated_at = ?
		 WHERE id = ?`,
		p.FirstName, p.LastName, p.DisplayName, p.Email, p.SecondaryEmail, p.Phone, p.Status,
		string(attrs), p.UpdatedAt, p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "person", p.ID)
}

func (s *LibSQLStore) ListPersons(ctx context.Context, filter PersonFilter) ([]*Person, error) {
	query := `SELECT ` + personColumns + ` FROM persons WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Field != "" {
		col, ok := PersonColumn(filter.Field)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown person field %q", filter.Field)
		}
		switch {
		case filter.Contains:
			query += fmt.Sprintf(" AND LOWER(%s) LIKE ?", col)
			args = append(args, "%"+strings.ToLower(filter.FieldValue)+"%")
		case filter.CaseInsensitive:
			query += fmt.Sprintf(" AND LOWER(%s) = LOWER(?)", col)
			args = append(args, filter.FieldValue)
		default:
			query += fmt.Sprintf(" AND %s = ?", col)
			args = append(args, filter.FieldValue)
		}
	}
	query += " ORDER BY id"
	query, args = appendLimit(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPerson(sc scanner) (*Person, error) {
	p := &Person{}
	var attrs string
	if err := sc.Scan(&p.ID, &p.UniqueID, &p.FirstName, &p.LastName, &p.DisplayName, &p.Email,
		&p.SecondaryEmail, &p.Phone, &p.Status, &attrs, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Attributes = unmarshalMap(attrs)
	return p, nil
}

// --- Attribute sources ---

func (s *LibSQLStore) CreateAttributeSource(ctx context.Context, as *AttributeSource) error {
	now := time.Now().UTC()
	if as.FirstSeen.IsZero() {
		as.FirstSeen = now
	}
	if as.LastUpdated.IsZero() {
		as.LastUpdated = as.FirstSeen
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attribute_sources (person_id, attribute_name, attribute_value, datasource_id, mapping_id,
			source_record_id, first_seen, last_updated, is_current)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		as.PersonID, as.AttributeName, as.AttributeValue, as.DataSourceID, nullInt(as.MappingID),
		as.SourceRecordID, as.FirstSeen, as.LastUpdated, boolInt(as.IsCurrent),
	)
	if err != nil {
		return fmt.Errorf("insert attribute source: %w", err)
	}
	as.ID, err = res.LastInsertId()
	return err
}

// SetAttributeSourceCurrent flips is_current and stamps last_updated.
func (s *LibSQLStore) SetAttributeSourceCurrent(ctx context.Context, id int64, current bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attribute_sources SET is_current = ?, last_updated = ? WHERE id = ?`,
		boolInt(current), stamp(at), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "attribute source", id)
}

// ListAttributeSources joins each row's mapping priority. Rows without a
// mapping report priority 0.
func (s *LibSQLStore) ListAttributeSources(ctx context.Context, filter AttributeFilter) ([]*AttributeSource, error) {
	query := `SELECT a.id, a.person_id, a.attribute_name, a.attribute_value, a.datasource_id, a.mapping_id,
			a.source_record_id, a.first_seen, a.last_updated, a.is_current, COALESCE(m.priority, 0)
		FROM attribute_sources a LEFT JOIN profile_field_mappings m ON m.id = a.mapping_id
		WHERE 1=1`
	var args []any

	if filter.PersonID != 0 {
		query += " AND a.person_id = ?"
		args = append(args, filter.PersonID)
	}
	if filter.DataSourceID != 0 {
		query += " AND a.datasource_id = ?"
		args = append(args, filter.DataSourceID)
	}
	if filter.AttributeName != "" {
		query += " AND a.attribute_name = ?"
		args = append(args, filter.AttributeName)
	}
	if filter.Value != "" {
		switch filter.MatchMode {
		case "case_insensitive":
			query += " AND LOWER(a.attribute_value) = LOWER(?)"
			args = append(args, filter.Value)
		case "contains":
			query += " AND LOWER(a.attribute_value) LIKE ?"
			args = append(args, "%"+strings.ToLower(filter.Value)+"%")
		default:
			query += " AND a.attribute_value = ?"
			args = append(args, filter.Value)
		}
	}
	if filter.CurrentOnly {
		query += " AND a.is_current = 1"
	}
	query += " ORDER BY a.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AttributeSource
	for rows.Next() {
		as := &AttributeSource{}
		var mappingID sql.NullInt64
		if err := rows.Scan(&as.ID, &as.PersonID, &as.AttributeName, &as.AttributeValue, &as.DataSourceID,
			&mappingID, &as.SourceRecordID, &as.FirstSeen, &as.LastUpdated, &as.IsCurrent, &as.Priority); err != nil {
			return nil, err
		}
		as.MappingID = mappingID.Int64
		out = append(out, as)
	}
	return out, rows.Err()
}

// --- Change history ---

func (s *LibSQLStore) AppendAttributeChange(ctx context.Context, c *ProfileAttributeChange) error {
	c.ChangedAt = stamp(c.ChangedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_attribute_changes (person_id, attribute_name, old_value, new_value, change_type,
			changed_at, datasource_id, sync_record_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.PersonID, c.AttributeName, nullStr(c.OldValue), nullStr(c.NewValue), string(c.ChangeType),
		c.ChangedAt, nullInt(c.DataSourceID), nullInt(c.SyncRecordID),
	)
	if err != nil {
		return fmt.Errorf("append attribute change: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) ListAttributeChanges(ctx context.Context, filter ChangeFilter) ([]*ProfileAttributeChange, error) {
	query := `SELECT id, person_id, attribute_name, old_value, new_value, change_type, changed_at,
			datasource_id, sync_record_id
		FROM profile_attribute_changes WHERE 1=1`
	var args []any

	if filter.PersonID != 0 {
		query += " AND person_id = ?"
		args = append(args, filter.PersonID)
	}
	if filter.DataSourceID != 0 {
		query += " AND datasource_id = ?"
		args = append(args, filter.DataSourceID)
	}
	if filter.SyncRecordID != 0 {
		query += " AND sync_record_id = ?"
		args = append(args, filter.SyncRecordID)
	}
	if filter.ChangeType != "" {
		query += " AND change_type = ?"
		args = append(args, string(filter.ChangeType))
	}
	query += " ORDER BY id"
	query, args = appendLimit(query, args, filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProfileAttributeChange
	for rows.Next() {
		c := &ProfileAttributeChange{}
		var (
			oldVal, newVal sql.NullString
			changeType     string
			dsID, syncID   sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.PersonID, &c.AttributeName, &oldVal, &newVal, &changeType,
			&c.ChangedAt, &dsID, &syncID); err != nil {
			return nil, err
		}
		c.OldValue = oldVal.String
		c.NewValue = newVal.String
		c.ChangeType = schema.ChangeType(changeType)
		c.DataSourceID = dsID.Int64
		c.SyncRecordID = syncID.Int64
		out = append(out, c)
	}
	return out, rows.Err()
}
