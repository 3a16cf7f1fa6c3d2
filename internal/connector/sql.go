package connector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/idflow/pkg/schema"
)

// SQLConnector talks to postgres (pgx stdlib driver) or sqlite (libSQL driver)
// through database/sql.
type SQLConnector struct {
	dialect Dialect
	dsn     string
	opts    Options
	db      *sql.DB
}

// NewSQLConnector returns an unconnected SQL connector.
func NewSQLConnector(d Dialect, dsn string, opts Options) (*SQLConnector, error) {
	switch d {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported SQL dialect %q", d)
	}
	if dsn == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "SQL connector requires a dsn")
	}
	return &SQLConnector{dialect: d, dsn: dsn, opts: opts}, nil
}

// Dialect returns the connector's SQL dialect.
func (c *SQLConnector) Dialect() Dialect { return c.dialect }

func (c *SQLConnector) driverName() string {
	if c.dialect == DialectPostgres {
		return "pgx"
	}
	return "libsql"
}

// Connect opens the pool and pings it.
func (c *SQLConnector) Connect(ctx context.Context) error {
	if c.db != nil {
		return nil
	}
	db, err := sql.Open(c.driverName(), c.dsn)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConnector, "open %s: %s", c.dialect, err.Error()).WithCause(err)
	}
	if c.dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return connectorError("ping", err)
	}
	c.db = db
	return nil
}

// Disconnect closes the pool.
func (c *SQLConnector) Disconnect() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// TestConnection connects if needed and runs SELECT 1.
func (c *SQLConnector) TestConnection(ctx context.Context) (bool, string) {
	if err := c.Connect(ctx); err != nil {
		return false, err.Error()
	}
	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false, fmt.Sprintf("test query failed: %s", err.Error())
	}
	return true, fmt.Sprintf("connected to %s", c.dialect)
}

// ExecuteQuery binds :name parameters and runs the query. Row-returning
// statements fill Rows (truncated at MaxRows). Others report RowsAffected.
func (c *SQLConnector) ExecuteQuery(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	query, args, err := Bind(text, params, c.dialect)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()

	start := time.Now()
	if !returnsRows(query) {
		res, err := c.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, connectorError("exec", err)
		}
		n, _ := res.RowsAffected()
		return &QueryResult{RowsAffected: n, Rows: []map[string]any{}, Duration: time.Since(start)}, nil
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, connectorError("query", err)
	}
	defer rows.Close()

	result, err := scanRows(rows, c.opts.MaxRows)
	if err != nil {
		return nil, connectorError("scan", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// ExecuteScript runs each statement of text inside one transaction.
func (c *SQLConnector) ExecuteScript(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()

	start := time.Now()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, connectorError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, stmt := range splitScript(text) {
		query, args, err := Bind(stmt, params, c.dialect)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, connectorError("script", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return nil, connectorError("commit", err)
	}
	return &QueryResult{RowsAffected: total, Rows: []map[string]any{}, Duration: time.Since(start)}, nil
}

// TableNames lists user tables.
func (c *SQLConnector) TableNames(ctx context.Context) ([]string, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()

	q := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	if c.dialect == DialectPostgres {
		q = `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name`
	}
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, connectorError("list tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, connectorError("list tables", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

var tableIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TableSchema describes the columns of table.
func (c *SQLConnector) TableSchema(ctx context.Context, table string) ([]ColumnInfo, error) {
	if !tableIdent.MatchString(table) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", table)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, c.opts)
	defer cancel()

	if c.dialect == DialectPostgres {
		return c.postgresSchema(ctx, table)
	}
	return c.sqliteSchema(ctx, table)
}

func (c *SQLConnector) postgresSchema(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT column_name, data_type, is_nullable = 'YES', column_default
		 FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, connectorError("describe table", err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			col ColumnInfo
			def sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &def); err != nil {
			return nil, connectorError("describe table", err)
		}
		if def.Valid {
			col.Default = &def.String
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (c *SQLConnector) sqliteSchema(ctx context.Context, table string) ([]ColumnInfo, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, connectorError("describe table", err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			def     sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &def, &pk); err != nil {
			return nil, connectorError("describe table", err)
		}
		col := ColumnInfo{Name: name, DataType: typ, IsNullable: notNull == 0}
		if def.Valid {
			d := def.String
			col.Default = &d
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// LimitQuery wraps a SELECT, WITH or VALUES query that has no LIMIT clause so
// that at most limit rows come back. Every other statement, including PRAGMA,
// SHOW, EXPLAIN and DML with RETURNING, is returned unchanged and relies on
// MaxRows truncation while scanning.
func LimitQuery(query string, limit int) string {
	if limit <= 0 {
		return query
	}
	q := strings.TrimRight(strings.TrimSpace(query), ";")
	if !wrappable(q) || hasLimit(q) {
		return q
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS limited_query LIMIT %d", q, limit)
}

var limitClause = regexp.MustCompile(`(?is)\blimit\s+(\d+|:[A-Za-z_]\w*|\$\d+|\?)\s*(offset\s+\S+\s*)?$`)

func hasLimit(q string) bool {
	return limitClause.MatchString(q)
}

func wrappable(q string) bool {
	head := strings.ToUpper(q)
	for _, kw := range []string{"SELECT", "WITH", "VALUES"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}

func returnsRows(q string) bool {
	head := strings.ToUpper(strings.TrimSpace(q))
	for _, kw := range []string{"SELECT", "WITH", "PRAGMA", "SHOW", "EXPLAIN", "VALUES"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return strings.Contains(head, " RETURNING ")
}

func splitScript(text string) []string {
	var stmts []string
	for _, part := range strings.Split(text, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func scanRows(rows *sql.Rows, maxRows int) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return val
	}
}

func connectorError(op string, err error) error {
	if err == context.DeadlineExceeded || strings.Contains(err.Error(), "context deadline exceeded") {
		return schema.NewErrorf(schema.ErrCodeTimeout, "%s timed out", op).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeConnector, "%s: %s", op, err.Error()).WithCause(err)
}

var _ Connector = (*SQLConnector)(nil)
