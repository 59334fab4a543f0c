package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/jobstore/lock"
)

// Executor runs work while holding a named distributed lock.
type Executor struct {
	locker  lock.Locker
	logger  *slog.Logger
	metrics *Metrics
}

// NewExecutor creates an executor acquiring locks from locker.
func NewExecutor(locker lock.Locker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		locker: locker,
		logger: logger,
	}
}

// RunExclusive acquires resource, waiting up to timeout, and runs work while it is held.
//
// If the lock is still held elsewhere when timeout elapses, another process
// is doing the same work: the timeout is logged and nil is returned without
// running work. Any other acquisition error, and any error from work, is
// returned. The lock is released on every exit path, including a panic in work.
func (e *Executor) RunExclusive(ctx context.Context, resource string, timeout time.Duration, work func(context.Context) error) (err error) {
	handle, err := e.locker.Acquire(ctx, resource, timeout)
	if err != nil {
		if lock.IsTimeout(err, resource) {
			e.recordLock(ctx, resource, "timeout")
			e.logger.Debug("could not acquire lock, another process is likely running the same work",
				"resource", resource,
				"lock_timeout_seconds", timeout.Seconds(),
				"error", err)
			return nil
		}
		e.recordLock(ctx, resource, "error")
		return fmt.Errorf("acquiring lock %q: %w", resource, err)
	}
	e.recordLock(ctx, resource, "acquired")

	defer func() {
		// Release even when the caller's context is already cancelled.
		if releaseErr := handle.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			e.logger.Warn("failed to release lock", "resource", resource, "error", releaseErr)
			err = errors.Join(err, fmt.Errorf("releasing lock %q: %w", resource, releaseErr))
		}
	}()

	return work(ctx)
}

func (e *Executor) recordLock(ctx context.Context, resource, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.recordLock(ctx, resource, outcome)
}
