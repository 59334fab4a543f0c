package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/jobstore/store/jobdb"
)

// Source is the expiry view of one record kind.
type Source interface {
	Kind() jobdb.Kind
	// FetchExpired returns up to limit records whose expiry is strictly before the given time.
	FetchExpired(ctx context.Context, before time.Time, limit int) ([]jobdb.ExpiryEntry, error)
	// DeleteExpired removes entries as one unit and returns how many were removed.
	DeleteExpired(ctx context.Context, entries []jobdb.ExpiryEntry) (int, error)
}

var _ Source = (*jobdb.KindView)(nil)

// SourcesFor returns the sources for every record kind of db, in sweep order.
func SourcesFor(db *jobdb.BoltDB) []Source {
	kinds := jobdb.Kinds()
	sources := make([]Source, 0, len(kinds))
	for _, kind := range kinds {
		sources = append(sources, db.Expirable(kind))
	}
	return sources
}

// removeExpired deletes expired records of one kind in batches of batchSize
// until a round removes nothing. Expiry is compared against a fresh now() on
// every round. Rounds are not interrupted by ctx.
func removeExpired(ctx context.Context, src Source, batchSize int, now func() time.Time, onBatch func(deleted int)) (deleted, rounds int, err error) {
	for {
		entries, err := src.FetchExpired(ctx, now(), batchSize)
		if err != nil {
			return deleted, rounds, fmt.Errorf("fetching expired %s records: %w", src.Kind(), err)
		}
		if len(entries) == 0 {
			return deleted, rounds, nil
		}

		n, err := src.DeleteExpired(ctx, entries)
		if err != nil {
			return deleted, rounds, fmt.Errorf("deleting expired %s records: %w", src.Kind(), err)
		}
		if n == 0 {
			return deleted, rounds, nil
		}

		deleted += n
		rounds++
		if onBatch != nil {
			onBatch(n)
		}
	}
}
