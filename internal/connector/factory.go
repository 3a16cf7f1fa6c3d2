package connector

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/idflow/internal/secrets"
	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

// Factory builds connectors for stored database connections.
type Factory struct {
	// Defaults apply where the connection leaves a value unset.
	Defaults Options
	Retry    RetryPolicy
	Logger   *slog.Logger
	// Secrets expands ${secret:NAME} references in DSNs and bind passwords.
	Secrets secrets.Resolver
}

// ForConnection returns a connector for conn. maxRows overrides the default
// row cap when positive. Connections with retries configured are wrapped in
// Retrying.
func (f *Factory) ForConnection(ctx context.Context, conn *store.DatabaseConnection, maxRows int) (Connector, error) {
	if conn == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "nil database connection")
	}
	opts := f.Defaults
	if conn.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(conn.TimeoutSeconds) * time.Second
	}
	if maxRows > 0 {
		opts.MaxRows = maxRows
	}

	dsn, err := f.Expand(ctx, conn.DSN)
	if err != nil {
		return nil, err
	}
	c, err := NewSQLConnector(Dialect(conn.Driver), dsn, opts)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "connection %q: %s", conn.Name, err.Error()).WithCause(err)
	}

	policy := f.Retry
	if conn.MaxRetries > 0 {
		policy.MaxRetries = conn.MaxRetries
	}
	if conn.RetryDelayMs > 0 {
		policy.Delay = time.Duration(conn.RetryDelayMs) * time.Millisecond
	}
	if policy.MaxRetries <= 0 {
		return c, nil
	}
	return NewRetrying(c, policy, f.Logger), nil
}

// Expand resolves secret references in s. f may be nil.
func (f *Factory) Expand(ctx context.Context, s string) (string, error) {
	var r secrets.Resolver
	if f != nil {
		r = f.Secrets
	}
	return secrets.Expand(ctx, r, s)
}

// DialectOf returns the SQL dialect of c, unwrapping Retrying.
func DialectOf(c Connector) (Dialect, bool) {
	for {
		switch v := c.(type) {
		case *SQLConnector:
			return v.Dialect(), true
		case *Retrying:
			c = v.Unwrap()
		default:
			return "", false
		}
	}
}
