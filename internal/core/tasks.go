package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// TaskRegistry tracks fire-and-forget goroutines so graceful shutdown can
// drain them. The webhook handler acknowledges the provider immediately and
// hands reconciliation to a tracked task; killing the process mid-task would
// otherwise rely solely on provider redelivery.
//
// Tasks receive a fresh context detached from the originating request (which
// is canceled as soon as the response is written) but bounded by the
// registry's shutdown timeout.
type TaskRegistry struct {
	logger  *slog.Logger
	timeout time.Duration

	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewTaskRegistry creates a registry whose tasks are bounded by timeout.
func NewTaskRegistry(logger *slog.Logger, timeout time.Duration) *TaskRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TaskRegistry{logger: logger, timeout: timeout}
}

// Go runs fn in a tracked goroutine. Returns false without running when the
// registry is already draining. Errors are logged, not propagated: the HTTP
// response has already been sent by the time a task fails.
func (t *TaskRegistry) Go(name string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Warn("task rejected; registry is draining", "task", name)
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		// Contain panics the same way the request-path Recoverer does; a
		// panicking task must not take down the server.
		defer func() {
			if rvr := recover(); rvr != nil {
				t.logger.Error("background task panicked",
					"task", name,
					"panic", fmt.Sprintf("%v", rvr),
					"stack", string(debug.Stack()),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			t.logger.ErrorContext(ctx, "background task failed",
				"task", name,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			return
		}
		t.logger.InfoContext(ctx, "background task completed",
			"task", name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()
	return true
}

// Drain stops accepting new tasks and waits for in-flight ones, up to the
// deadline of ctx. Returns ctx.Err() when the wait is cut short.
func (t *TaskRegistry) Drain(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
