package connector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/pkg/schema"
)

func newSQLiteConnector(t *testing.T, opts Options) *SQLConnector {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "source.db")
	c, err := NewSQLConnector(DialectSQLite, dsn, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })

	_, err = c.ExecuteScript(context.Background(), `
		CREATE TABLE employees (id INTEGER PRIMARY KEY, email TEXT NOT NULL, dept TEXT DEFAULT 'none');
		INSERT INTO employees (id, email, dept) VALUES (1, 'ada@example.com', 'eng');
		INSERT INTO employees (id, email, dept) VALUES (2, 'bob@example.com', 'ops');
		INSERT INTO employees (id, email, dept) VALUES (3, 'cy@example.com', 'eng')
	`, nil)
	require.NoError(t, err)
	return c
}

func TestSQLConnector_QueryWithParameters(t *testing.T) {
	c := newSQLiteConnector(t, Options{})
	res, err := c.ExecuteQuery(context.Background(),
		"SELECT id, email FROM employees WHERE dept = :dept ORDER BY id", map[string]any{"dept": "eng"})
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "email"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "ada@example.com", res.Rows[0]["email"])
	assert.EqualValues(t, 3, res.Rows[1]["id"])
	assert.False(t, res.Truncated)
}

func TestSQLConnector_MaxRowsTruncates(t *testing.T) {
	c := newSQLiteConnector(t, Options{MaxRows: 2})
	res, err := c.ExecuteQuery(context.Background(), "SELECT * FROM employees", nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Truncated)
}

func TestSQLConnector_ExecReportsRowsAffected(t *testing.T) {
	c := newSQLiteConnector(t, Options{})
	res, err := c.ExecuteQuery(context.Background(),
		"UPDATE employees SET dept = :dept WHERE dept = 'eng'", map[string]any{"dept": "research"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.RowsAffected)
	assert.Empty(t, res.Rows)
}

func TestSQLConnector_ScriptRollsBackOnError(t *testing.T) {
	c := newSQLiteConnector(t, Options{})
	_, err := c.ExecuteScript(context.Background(), `
		INSERT INTO employees (id, email) VALUES (10, 'x@example.com');
		INSERT INTO employees (id, email) VALUES (1, 'dup@example.com')
	`, nil)
	require.Error(t, err)

	res, err := c.ExecuteQuery(context.Background(), "SELECT COUNT(*) AS n FROM employees", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Rows[0]["n"])
}

func TestSQLConnector_Catalog(t *testing.T) {
	c := newSQLiteConnector(t, Options{})
	ctx := context.Background()

	names, err := c.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"employees"}, names)

	cols, err := c.TableSchema(ctx, "employees")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "email", cols[1].Name)
	assert.False(t, cols[1].IsNullable)
	require.NotNil(t, cols[2].Default)
	assert.Equal(t, "'none'", *cols[2].Default)

	_, err = c.TableSchema(ctx, "employees; DROP TABLE employees")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestSQLConnector_TestConnection(t *testing.T) {
	c := newSQLiteConnector(t, Options{})
	ok, msg := c.TestConnection(context.Background())
	assert.True(t, ok)
	assert.Contains(t, msg, "sqlite")
}

func TestNewSQLConnector_RejectsUnknownDialect(t *testing.T) {
	_, err := NewSQLConnector("oracle", "dsn", Options{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestLimitQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		limit int
		want  string
	}{
		{"wraps select", "SELECT * FROM t;", 10, "SELECT * FROM (SELECT * FROM t) AS limited_query LIMIT 10"},
		{"keeps existing limit", "select * from t limit 5", 10, "select * from t limit 5"},
		{"keeps parameter limit", "SELECT * FROM t LIMIT :n OFFSET 2", 10, "SELECT * FROM t LIMIT :n OFFSET 2"},
		{"leaves updates alone", "UPDATE t SET a = 1", 10, "UPDATE t SET a = 1"},
		{"zero limit is noop", "SELECT 1", 0, "SELECT 1"},
		{"wraps cte", "WITH x AS (SELECT 1) SELECT * FROM x", 3, "SELECT * FROM (WITH x AS (SELECT 1) SELECT * FROM x) AS limited_query LIMIT 3"},
		{"leaves pragma alone", "PRAGMA table_info(employees);", 10, "PRAGMA table_info(employees)"},
		{"leaves explain alone", "EXPLAIN SELECT * FROM t", 10, "EXPLAIN SELECT * FROM t"},
		{"leaves show alone", "SHOW search_path", 10, "SHOW search_path"},
		{"leaves returning alone", "INSERT INTO t (a) VALUES (1) RETURNING id", 10, "INSERT INTO t (a) VALUES (1) RETURNING id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LimitQuery(tt.query, tt.limit))
		})
	}
}

func TestSQLConnector_LimitedStatementsStillRun(t *testing.T) {
	c := newSQLiteConnector(t, Options{})
	ctx := context.Background()

	res, err := c.ExecuteQuery(ctx, LimitQuery("PRAGMA table_info(employees)", 1000), nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 3)

	res, err = c.ExecuteQuery(ctx,
		LimitQuery("INSERT INTO employees (id, email) VALUES (4, 'di@example.com') RETURNING id", 1000), nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 4, res.Rows[0]["id"])
}

func TestDialectOf(t *testing.T) {
	c, err := NewSQLConnector(DialectPostgres, "postgres://localhost/db", Options{})
	require.NoError(t, err)

	d, ok := DialectOf(NewRetrying(c, RetryPolicy{MaxRetries: 1}, nil))
	assert.True(t, ok)
	assert.Equal(t, DialectPostgres, d)

	_, ok = DialectOf(&FlatFileConnector{})
	assert.False(t, ok)
}
