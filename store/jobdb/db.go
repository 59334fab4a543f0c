package jobdb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("jobdb: not found")

	// ErrUnknownKind is returned for a record kind outside Kinds().
	ErrUnknownKind = errors.New("jobdb: unknown record kind")
)

// JobDB provides record storage for the job queue.
type JobDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Counters
	IncrementCounter(ctx context.Context, key string, by int64, expireIn time.Duration) error
	CounterValue(ctx context.Context, key string) (int64, error)

	// Hashes
	SetRangeInHash(ctx context.Context, key string, fields map[string]string) error
	GetHash(ctx context.Context, key string) (map[string]string, error)

	// Lists
	RightPush(ctx context.Context, key, value string) error
	GetList(ctx context.Context, key string) ([]string, error)

	// Sets
	AddToSet(ctx context.Context, key, value string, score float64) error
	GetSet(ctx context.Context, key string) ([]SetMember, error)

	// Jobs
	PutJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	DeleteJob(ctx context.Context, id string) error

	// Expiry control. Both return the number of records touched.
	Expire(ctx context.Context, kind Kind, key string, ttl time.Duration) (int, error)
	Persist(ctx context.Context, kind Kind, key string) (int, error)

	// Eviction queries
	GetExpired(ctx context.Context, kind Kind, before time.Time, limit int) ([]ExpiryEntry, error)
	DeleteExpired(ctx context.Context, kind Kind, entries []ExpiryEntry) (int, error)

	Stats(ctx context.Context) (map[Kind]KindStats, error)
}

// New creates a new JobDB backed by bbolt.
func New() JobDB {
	return NewBoltDB()
}
