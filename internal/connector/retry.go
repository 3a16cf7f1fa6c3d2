package connector

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/rendis/idflow/pkg/schema"
)

// MaxBackoff caps the exponential retry delay.
const MaxBackoff = 30 * time.Second

// RetryPolicy bounds the attempts of a Retrying connector.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	// Delay is the base delay, doubled on each attempt.
	Delay time.Duration
}

// IsRetryableError classifies whether a connector error should be retried.
// Timeouts, network errors and IdflowErrors with a retryable code are.
// Unknown errors are not: a failing query is usually a bad query.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// The caller's own cancellation is final.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var idErr *schema.IdflowError
	if errors.As(err, &idErr) {
		if !idErr.IsRetryable() {
			return false
		}
		if idErr.Cause == nil || idErr.Code == schema.ErrCodeTimeout {
			return true
		}
		return isTransient(idErr.Cause)
	}
	return isTransient(err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected eof",
		"temporary failure",
		"i/o timeout",
		"database is locked",
		"too many connections",
		"server closed",
		"network is unreachable",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ComputeBackoff returns base * 2^attempt, capped at MaxBackoff.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			return MaxBackoff
		}
	}
	if delay > MaxBackoff {
		return MaxBackoff
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrying wraps a Connector with bounded retry and exponential backoff
// around Connect, ExecuteQuery and ExecuteScript.
type Retrying struct {
	Connector
	policy RetryPolicy
	logger *slog.Logger
	wait   func(context.Context, time.Duration) error
}

// NewRetrying wraps c. A policy with MaxRetries <= 0 makes a single attempt.
func NewRetrying(c Connector, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{Connector: c, policy: policy, logger: logger, wait: WaitForBackoff}
}

// Connect retries the underlying Connect.
func (r *Retrying) Connect(ctx context.Context) error {
	_, err := retry(ctx, r, "connect", func() (struct{}, error) {
		return struct{}{}, r.Connector.Connect(ctx)
	})
	return err
}

// ExecuteQuery retries the underlying ExecuteQuery.
func (r *Retrying) ExecuteQuery(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	return retry(ctx, r, "query", func() (*QueryResult, error) {
		return r.Connector.ExecuteQuery(ctx, text, params)
	})
}

// ExecuteScript retries the underlying ExecuteScript. The script runs in a
// transaction, so a failed attempt leaves nothing behind.
func (r *Retrying) ExecuteScript(ctx context.Context, text string, params map[string]any) (*QueryResult, error) {
	return retry(ctx, r, "script", func() (*QueryResult, error) {
		return r.Connector.ExecuteScript(ctx, text, params)
	})
}

// Unwrap returns the wrapped connector.
func (r *Retrying) Unwrap() Connector { return r.Connector }

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	attempts := r.policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(r.policy.Delay, attempt-1)
			r.logger.WarnContext(ctx, "retrying connector call",
				"op", op, "attempt", attempt+1, "max_attempts", attempts,
				"delay", delay, "error", lastErr)
			if err := r.wait(ctx, delay); err != nil {
				return zero, schema.NewError(schema.ErrCodeCancelled, "retry wait interrupted").WithCause(err)
			}
		}
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return zero, err
		}
	}
	if attempts == 1 {
		return zero, lastErr
	}
	return zero, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"%s failed after %d attempts: %s", op, attempts, lastErr.Error()).
		WithCause(lastErr).
		WithDetails(map[string]any{"attempts": attempts})
}
