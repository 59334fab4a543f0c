// Package lock provides named, time-boxed distributed locks shared by
// cooperating processes. Locks carry a lease so a crashed holder cannot block
// other processes forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultLease is how long a lock stays valid after its last renewal before
// another owner may take it over. A held lock is renewed every third of its
// lease until it is released.
const DefaultLease = 30 * time.Minute

// ErrTimeout matches any *TimeoutError via errors.Is.
var ErrTimeout = errors.New("lock: acquisition timed out")

// errHeld signals that another owner holds the lock and acquisition should be retried.
var errHeld = errors.New("lock: held by another owner")

// TimeoutError is returned when a lock could not be acquired within its timeout.
type TimeoutError struct {
	Resource string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout acquiring lock %q after %s", e.Resource, e.Timeout)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout reports whether err is a lock timeout for the given resource.
func IsTimeout(err error, resource string) bool {
	var te *TimeoutError
	return errors.As(err, &te) && te.Resource == resource
}

// Handle is a held lock.
type Handle interface {
	Resource() string
	// Release frees the lock. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// Locker acquires named locks.
type Locker interface {
	// Acquire blocks until the lock is held, timeout elapses (*TimeoutError)
	// or ctx is cancelled.
	Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error)
}

// tryFunc makes one acquisition attempt. It returns false when the lock is held elsewhere.
type tryFunc func(ctx context.Context) (bool, error)

// acquire retries try with exponential backoff until it succeeds or timeout
// elapses. Attempts run under the caller's ctx; only the retry loop is bounded
// by timeout.
func acquire(ctx context.Context, resource string, timeout time.Duration, try tryFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := try(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errHeld
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
	)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errHeld):
		return &TimeoutError{Resource: resource, Timeout: timeout}
	default:
		return fmt.Errorf("acquiring lock %q: %w", resource, err)
	}
}

// renewFunc extends the lease of a held lock. It returns false once the lock
// is owned by someone else.
type renewFunc func(ctx context.Context) (bool, error)

// heartbeat renews a lease in the background until stopped.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startHeartbeat(ctx context.Context, resource string, lease time.Duration, renew renewFunc, logger *slog.Logger) *heartbeat {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}

	interval := lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	go func() {
		defer close(hb.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := renew(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.Warn("failed to renew lock lease", "resource", resource, "error", err)
			case !ok:
				logger.Warn("lock lease lost", "resource", resource)
				return
			}
		}
	}()

	return hb
}

// stop ends renewal and waits for an in-flight renewal to finish.
func (hb *heartbeat) stop() {
	hb.once.Do(func() {
		hb.cancel()
		<-hb.done
	})
}
