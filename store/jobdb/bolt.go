package jobdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements JobDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *PayloadCodec // shared codec for job invocation data
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewPayloadCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened jobdb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, kind := range Kinds() {
			names := bucketsByKind[kind]
			for _, name := range [][]byte{names.records, names.byExpiry, names.expiryByKey} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing jobdb")
	return b.db.Close()
}

// DB returns the underlying bbolt database.
// Used by the lock package to keep lock rows in the same file.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

func bucketsFor(kind Kind) (kindBuckets, error) {
	names, ok := bucketsByKind[kind]
	if !ok {
		return kindBuckets{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return names, nil
}

// putRecord stores a record and keeps the expiry indexes in step with its ExpireAt.
func (b *BoltDB) putRecord(tx *bbolt.Tx, kind Kind, pk []byte, rec expirable) error {
	names, err := bucketsFor(kind)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", kind, err)
	}

	if err := tx.Bucket(names.records).Put(pk, data); err != nil {
		return fmt.Errorf("putting %s: %w", kind, err)
	}

	return b.updateExpiryIndex(tx, names, pk, rec.expiry())
}

// getRecord loads the record stored under pk into rec.
func (b *BoltDB) getRecord(tx *bbolt.Tx, kind Kind, pk []byte, rec expirable) error {
	names, err := bucketsFor(kind)
	if err != nil {
		return err
	}

	val := tx.Bucket(names.records).Get(pk)
	if val == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(val, rec); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", kind, err)
	}
	return nil
}

// deleteRecord removes a record and its expiry index entries.
// Returns false if the record did not exist.
func (b *BoltDB) deleteRecord(tx *bbolt.Tx, names kindBuckets, pk []byte) (bool, error) {
	records := tx.Bucket(names.records)
	if records.Get(pk) == nil {
		return false, nil
	}

	if err := b.updateExpiryIndex(tx, names, pk, nil); err != nil {
		return false, err
	}

	if err := records.Delete(pk); err != nil {
		return false, fmt.Errorf("deleting record: %w", err)
	}
	return true, nil
}

// updateExpiryIndex updates the forward+reverse expiry indexes.
// If expiresAt is nil, only deletes existing index entries.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, names kindBuckets, pk []byte, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(names.byExpiry)
	reverseIndexBucket := tx.Bucket(names.expiryByKey)

	// O(1) lookup of the old expiry entry via the reverse index
	if oldTs := reverseIndexBucket.Get(pk); oldTs != nil {
		oldKey := makeExpiryKey(decodeTimestamp(oldTs), pk)
		if err := expiryBucket.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old expiry entry: %w", err)
		}
		if err := reverseIndexBucket.Delete(pk); err != nil {
			return fmt.Errorf("deleting reverse index entry: %w", err)
		}
	}

	if expiresAt == nil {
		return nil
	}

	if err := expiryBucket.Put(makeExpiryKey(*expiresAt, pk), pk); err != nil {
		return fmt.Errorf("putting expiry entry: %w", err)
	}
	if err := reverseIndexBucket.Put(pk, encodeTimestamp(*expiresAt)); err != nil {
		return fmt.Errorf("putting reverse index entry: %w", err)
	}
	return nil
}

// GetExpired returns up to limit records of kind whose expiry is strictly before the given time.
// A record expiring exactly at before is not returned.
func (b *BoltDB) GetExpired(_ context.Context, kind Kind, before time.Time, limit int) ([]ExpiryEntry, error) {
	names, err := bucketsFor(kind)
	if err != nil {
		return nil, err
	}

	var entries []ExpiryEntry
	beforeTs := encodeTimestamp(before)

	err = b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(names.byExpiry).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:timestampLen], beforeTs) >= 0 {
				break
			}

			if limit > 0 && len(entries) >= limit {
				break
			}

			expiresAt, pk := parseExpiryKey(k)
			entries = append(entries, ExpiryEntry{
				Kind:      kind,
				Key:       pk,
				ExpiresAt: expiresAt,
			})
		}
		return nil
	})
	return entries, err
}

// DeleteExpired removes the given entries in a single transaction and returns
// how many records were actually removed. Entries that are already gone, or
// whose expiry changed since they were fetched, are skipped.
func (b *BoltDB) DeleteExpired(_ context.Context, kind Kind, entries []ExpiryEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	names, err := bucketsFor(kind)
	if err != nil {
		return 0, err
	}

	var deleted int
	err = b.db.Update(func(tx *bbolt.Tx) error {
		deleted = 0
		reverseIndexBucket := tx.Bucket(names.expiryByKey)

		for _, entry := range entries {
			currentTs := reverseIndexBucket.Get(entry.Key)
			if currentTs == nil || !bytes.Equal(currentTs, encodeTimestamp(entry.ExpiresAt)) {
				continue
			}

			ok, err := b.deleteRecord(tx, names, entry.Key)
			if err != nil {
				return fmt.Errorf("deleting expired %s: %w", kind, err)
			}
			if ok {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Expire sets the expiry of every record stored under the logical key to now+ttl.
func (b *BoltDB) Expire(_ context.Context, kind Kind, key string, ttl time.Duration) (int, error) {
	expireAt := b.now().Add(ttl)
	return b.rewriteExpiry(kind, key, &expireAt)
}

// Persist clears the expiry of every record stored under the logical key.
func (b *BoltDB) Persist(_ context.Context, kind Kind, key string) (int, error) {
	return b.rewriteExpiry(kind, key, nil)
}

func (b *BoltDB) rewriteExpiry(kind Kind, key string, expireAt *time.Time) (int, error) {
	names, err := bucketsFor(kind)
	if err != nil {
		return 0, err
	}

	var touched int
	err = b.db.Update(func(tx *bbolt.Tx) error {
		touched = 0
		for _, pk := range logicalKeys(tx.Bucket(names.records), kind, key) {
			rec, err := newRecord(kind)
			if err != nil {
				return err
			}
			if err := b.getRecord(tx, kind, pk, rec); err != nil {
				return err
			}
			rec.setExpiry(expireAt)
			if err := b.putRecord(tx, kind, pk, rec); err != nil {
				return err
			}
			touched++
		}
		return nil
	})
	return touched, err
}

// logicalKeys returns the primary keys of every record under a logical key.
// Jobs are addressed directly by ID; other kinds share a key prefix.
func logicalKeys(bucket *bbolt.Bucket, kind Kind, key string) [][]byte {
	if kind == KindJob {
		if bucket.Get(jobKey(key)) == nil {
			return nil
		}
		return [][]byte{jobKey(key)}
	}

	var pks [][]byte
	prefix := keyPrefix(key)
	cursor := bucket.Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		pk := make([]byte, len(k))
		copy(pk, k)
		pks = append(pks, pk)
	}
	return pks
}

// Stats returns per-kind record counts.
func (b *BoltDB) Stats(_ context.Context) (map[Kind]KindStats, error) {
	stats := make(map[Kind]KindStats, len(bucketsByKind))
	err := b.db.View(func(tx *bbolt.Tx) error {
		for _, kind := range Kinds() {
			names := bucketsByKind[kind]
			stats[kind] = KindStats{
				Records:  tx.Bucket(names.records).Stats().KeyN,
				Expiring: tx.Bucket(names.byExpiry).Stats().KeyN,
			}
		}
		return nil
	})
	return stats, err
}

// KindView exposes the expired records of a single kind.
type KindView struct {
	db   *BoltDB
	kind Kind
}

// Expirable returns the expiry view of a record kind.
func (b *BoltDB) Expirable(kind Kind) *KindView {
	return &KindView{db: b, kind: kind}
}

// Kind returns the record kind this view covers.
func (s *KindView) Kind() Kind {
	return s.kind
}

// FetchExpired returns up to limit records whose expiry is strictly before the given time.
func (s *KindView) FetchExpired(ctx context.Context, before time.Time, limit int) ([]ExpiryEntry, error) {
	return s.db.GetExpired(ctx, s.kind, before, limit)
}

// DeleteExpired removes the given entries as one unit and returns the count removed.
func (s *KindView) DeleteExpired(ctx context.Context, entries []ExpiryEntry) (int, error) {
	return s.db.DeleteExpired(ctx, s.kind, entries)
}
