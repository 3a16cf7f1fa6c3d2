package connector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/pkg/schema"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(v), nil
}

func TestFactory_ExpandsSecretsInDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hr.db")
	f := &Factory{Secrets: mapResolver{"hr_path": path}}
	conn := &store.DatabaseConnection{Name: "hr", Driver: "sqlite", DSN: "file:${secret:hr_path}"}

	c, err := f.ForConnection(context.Background(), conn, 0)
	require.NoError(t, err)
	defer c.Disconnect()

	ok, msg := c.TestConnection(context.Background())
	assert.True(t, ok, msg)
	_, isSQL := c.(*SQLConnector)
	assert.True(t, isSQL, "no retries configured")
}

func TestFactory_WrapsRetrying(t *testing.T) {
	f := &Factory{Retry: RetryPolicy{MaxRetries: 2}}
	conn := &store.DatabaseConnection{Name: "hr", Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "hr.db")}

	c, err := f.ForConnection(context.Background(), conn, 10)
	require.NoError(t, err)
	defer c.Disconnect()

	_, isRetrying := c.(*Retrying)
	assert.True(t, isRetrying)
	d, ok := DialectOf(c)
	require.True(t, ok)
	assert.Equal(t, DialectSQLite, d)
}

func TestFactory_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := (&Factory{}).ForConnection(ctx, nil, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, err = (&Factory{}).ForConnection(ctx, &store.DatabaseConnection{Name: "x", Driver: "oracle", DSN: "x"}, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, err = (&Factory{}).ForConnection(ctx, &store.DatabaseConnection{Name: "x", Driver: "sqlite", DSN: "file:${secret:p}"}, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration), "reference without a vault")

	var nilFactory *Factory
	got, err := nilFactory.Expand(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", got)
}
