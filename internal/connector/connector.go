// Package connector implements the capability interface shared by the sync
// engine and the database_query action: SQL engines, an LDAP directory and
// flat CSV files.
package connector

import (
	"context"
	"time"
)

// Connector is a back-end the engines can query. Implementations own only
// their own network or file handle and are safe for sequential use.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
	TestConnection(ctx context.Context) (bool, string)
	ExecuteQuery(ctx context.Context, text string, params map[string]any) (*QueryResult, error)
	ExecuteScript(ctx context.Context, text string, params map[string]any) (*QueryResult, error)
	TableNames(ctx context.Context) ([]string, error)
	TableSchema(ctx context.Context, table string) ([]ColumnInfo, error)
}

// QueryResult holds rows for queries and RowsAffected for statements.
type QueryResult struct {
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	RowsAffected int64            `json:"rows_affected"`
	Truncated    bool             `json:"truncated,omitempty"`
	Duration     time.Duration    `json:"-"`
}

// ColumnInfo describes one column of a table, directory attribute or CSV header.
type ColumnInfo struct {
	Name       string  `json:"name"`
	DataType   string  `json:"data_type"`
	IsNullable bool    `json:"is_nullable"`
	Default    *string `json:"default,omitempty"`
}

// Options apply to every connector call.
type Options struct {
	// Timeout bounds each call. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxRows truncates query results. Zero means unlimited.
	MaxRows int
}

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// withTimeout derives the per-call deadline every connector honors.
func withTimeout(ctx context.Context, o Options) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.timeout())
}
