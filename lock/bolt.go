package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var bucketLocks = []byte("locks") // resource -> lockRow JSON

type lockRow struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Bolt implements Locker with lock rows stored in a bbolt database, so every
// process sharing the store shares its locks.
type Bolt struct {
	db     *bbolt.DB
	lease  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// BoltOption configures a Bolt locker.
type BoltOption func(*Bolt)

// WithBoltLease sets how long an acquired lock stays valid without release.
func WithBoltLease(d time.Duration) BoltOption {
	return func(l *Bolt) {
		l.lease = d
	}
}

// WithBoltLogger sets the logger for the locker.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(l *Bolt) {
		l.logger = logger
	}
}

// WithBoltNow sets the time function (for testing).
func WithBoltNow(now func() time.Time) BoltOption {
	return func(l *Bolt) {
		l.now = now
	}
}

// NewBolt returns a locker storing lock rows in db.
func NewBolt(db *bbolt.DB, opts ...BoltOption) (*Bolt, error) {
	l := &Bolt{
		db:     db,
		lease:  DefaultLease,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating locks bucket: %w", err)
	}
	return l, nil
}

// Acquire blocks until the lock is held or timeout elapses.
func (l *Bolt) Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error) {
	owner := uuid.NewString()

	err := acquire(ctx, resource, timeout, func(context.Context) (bool, error) {
		return l.tryLock(resource, owner)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("lock acquired", "resource", resource, "owner", owner)
	h := &boltHandle{locker: l, resource: resource, owner: owner}
	h.heartbeat = startHeartbeat(ctx, resource, l.lease, func(context.Context) (bool, error) {
		return l.renew(resource, owner)
	}, l.logger)
	return h, nil
}

func (l *Bolt) tryLock(resource, owner string) (bool, error) {
	var acquired bool
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		now := l.now()

		if data := bucket.Get([]byte(resource)); data != nil {
			var row lockRow
			if err := json.Unmarshal(data, &row); err != nil {
				return fmt.Errorf("unmarshaling lock row: %w", err)
			}
			if now.Before(row.ExpiresAt) {
				return nil
			}
			l.logger.Warn("taking over expired lock",
				"resource", resource,
				"previous_owner", row.Owner,
				"expired_at", row.ExpiresAt)
		}

		data, err := json.Marshal(lockRow{
			Owner:      owner,
			AcquiredAt: now,
			ExpiresAt:  now.Add(l.lease),
		})
		if err != nil {
			return fmt.Errorf("marshaling lock row: %w", err)
		}
		if err := bucket.Put([]byte(resource), data); err != nil {
			return fmt.Errorf("putting lock row: %w", err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// renew pushes the lease of a lock still held by owner.
func (l *Bolt) renew(resource, owner string) (bool, error) {
	var renewed bool
	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		data := bucket.Get([]byte(resource))
		if data == nil {
			return nil
		}

		var row lockRow
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("unmarshaling lock row: %w", err)
		}
		if row.Owner != owner {
			return nil
		}

		row.ExpiresAt = l.now().Add(l.lease)
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshaling lock row: %w", err)
		}
		if err := bucket.Put([]byte(resource), data); err != nil {
			return fmt.Errorf("putting lock row: %w", err)
		}
		renewed = true
		return nil
	})
	return renewed, err
}

func (l *Bolt) release(resource, owner string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLocks)
		data := bucket.Get([]byte(resource))
		if data == nil {
			return nil
		}

		var row lockRow
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("unmarshaling lock row: %w", err)
		}
		// Lost the lease to another owner; their row stays.
		if row.Owner != owner {
			return nil
		}
		return bucket.Delete([]byte(resource))
	})
}

type boltHandle struct {
	locker    *Bolt
	resource  string
	owner     string
	heartbeat *heartbeat

	once sync.Once
	err  error
}

func (h *boltHandle) Resource() string {
	return h.resource
}

func (h *boltHandle) Release(_ context.Context) error {
	h.once.Do(func() {
		h.heartbeat.stop()
		h.err = h.locker.release(h.resource, h.owner)
		if h.err == nil {
			h.locker.logger.Debug("lock released", "resource", h.resource, "owner", h.owner)
		}
	})
	return h.err
}
