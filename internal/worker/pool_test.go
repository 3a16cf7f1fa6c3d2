package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/idflow/internal/logging"
)

func shutdown(t *testing.T, p *Pool) {
	t.Helper()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPool_BasicExecution(t *testing.T) {
	pool := New(2, nil)
	defer shutdown(t, pool)

	var ran int64
	err := pool.Submit(context.Background(), "basic", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := New(poolSize, nil)
	defer shutdown(t, pool)

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), "limit", func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
}

func TestPool_JobOutlivesSubmitContext(t *testing.T) {
	pool := New(1, nil)
	defer shutdown(t, pool)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	err := pool.Submit(ctx, "detached", func(jobCtx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		result <- jobCtx.Err()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	cancel()

	if err := <-result; err != nil {
		t.Errorf("job context should stay live after submit ctx is cancelled, got %v", err)
	}
}

func TestPool_JobKeepsCorrelationIDs(t *testing.T) {
	pool := New(1, nil)
	defer shutdown(t, pool)

	ctx := logging.WithDataSourceID(logging.WithExecutionID(context.Background(), 42), 7)
	type ids struct{ exec, ds int64 }
	result := make(chan ids, 1)
	err := pool.Submit(ctx, "correlated", func(jobCtx context.Context) error {
		result <- ids{logging.ExecutionID(jobCtx), logging.DataSourceID(jobCtx)}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	if got := <-result; got != (ids{42, 7}) {
		t.Errorf("job context lost correlation ids: got %+v", got)
	}
}

func TestPool_PanicRecovery(t *testing.T) {
	pool := New(2, nil)
	defer shutdown(t, pool)

	if err := pool.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("test panic")
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failed, got %+v", m)
	}

	var ran int64
	if err := pool.Submit(context.Background(), "after", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic failed: %v", err)
	}
	pool.Wait()
	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work after panic did not execute")
	}
}

func TestPool_SubmitContextCancellation(t *testing.T) {
	pool := New(1, nil)
	defer shutdown(t, pool)

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "fill", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "waiting", func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}

	close(block)
	pool.Wait()
}

func TestPool_ShutdownDrains(t *testing.T) {
	pool := New(2, nil)

	var completed int64
	for i := 0; i < 5; i++ {
		_ = pool.Submit(context.Background(), "drain", func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	shutdown(t, pool)

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", atomic.LoadInt64(&completed))
	}
	if err := pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }); err != ErrPoolShutdown {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
	shutdown(t, pool)
}

func TestPool_ShutdownDeadlineCancelsJobs(t *testing.T) {
	pool := New(1, nil)
	_ = pool.Submit(context.Background(), "long", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if m := pool.Metrics(); m.Failed != 1 {
		t.Errorf("expected cancelled job to count as failed, got %+v", m)
	}
}
