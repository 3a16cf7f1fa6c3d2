package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))

	// Unknown errors are not retried.
	assert.False(t, IsRetryableError(errors.New("syntax error at or near SELEC")))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))

	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "query timed out")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeConnector, "down")))
	assert.True(t, IsRetryableError(
		schema.NewError(schema.ErrCodeConnector, "query").WithCause(errors.New("connection reset by peer"))))
	assert.False(t, IsRetryableError(
		schema.NewError(schema.ErrCodeConnector, "query").WithCause(errors.New("no such table: people"))))

	for _, code := range []string{
		schema.ErrCodeValidation,
		schema.ErrCodeConfiguration,
		schema.ErrCodeUnsupported,
		schema.ErrCodeCircuitOpen,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(base, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(base, 1))
	assert.Equal(t, 800*time.Millisecond, ComputeBackoff(base, 3))
	assert.Equal(t, MaxBackoff, ComputeBackoff(base, 20))
	assert.Equal(t, time.Duration(0), ComputeBackoff(0, 3))
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.NoError(t, WaitForBackoff(ctx, 0))
}

// flakyConnector fails the first n queries with err.
type flakyConnector struct {
	Connector
	failures int
	err      error
	calls    int
}

func (f *flakyConnector) ExecuteQuery(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &QueryResult{Rows: []map[string]any{{"ok": true}}}, nil
}

func noWait(context.Context, time.Duration) error { return nil }

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyConnector{failures: 2, err: schema.NewError(schema.ErrCodeTimeout, "slow")}
	r := NewRetrying(inner, RetryPolicy{MaxRetries: 3, Delay: time.Millisecond}, nil)
	r.wait = noWait

	res, err := r.ExecuteQuery(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	assert.Equal(t, 3, inner.calls)
}

func TestRetrying_Exhausted(t *testing.T) {
	inner := &flakyConnector{failures: 10, err: schema.NewError(schema.ErrCodeTimeout, "slow")}
	r := NewRetrying(inner, RetryPolicy{MaxRetries: 2, Delay: time.Millisecond}, nil)
	r.wait = noWait

	_, err := r.ExecuteQuery(context.Background(), "SELECT 1", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRetryExhausted))
	assert.Equal(t, 3, inner.calls)
}

func TestRetrying_DoesNotRetryBadQueries(t *testing.T) {
	inner := &flakyConnector{failures: 10, err: schema.NewError(schema.ErrCodeValidation, "missing parameter")}
	r := NewRetrying(inner, RetryPolicy{MaxRetries: 5, Delay: time.Millisecond}, nil)
	r.wait = noWait

	_, err := r.ExecuteQuery(context.Background(), "SELECT :x", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 1, inner.calls)
}
