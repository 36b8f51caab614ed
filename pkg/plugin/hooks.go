package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// hookRunner schedules ready/not-ready hooks on tracked goroutines so the
// controller never waits for plugin code, while shutdown can still drain
// them.
type hookRunner struct {
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// Go runs fn on a new goroutine. It returns false once the runner is closed.
func (r *hookRunner) Go(plugin, hook string, fn func()) bool {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := guard(fn); err != nil {
			r.logger.Error("plugin hook panicked",
				slog.String("plugin", plugin),
				slog.String("hook", hook),
				slog.Any("error", err))
		}
	}()
	return true
}

// Wait blocks until every scheduled hook returned or ctx is done.
func (r *hookRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("plugin hook drain timeout: %w", ctx.Err())
	}
}

// CloseAndWait rejects further hooks and drains the running ones.
func (r *hookRunner) CloseAndWait(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	return r.Wait(ctx)
}

// guard runs fn and converts a panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	fn()
	return nil
}
