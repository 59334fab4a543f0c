package jobdb

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltDB_Counters(t *testing.T) {
	ctx := context.Background()

	t.Run("value is the sum of increments", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.IncrementCounter(ctx, "stats:succeeded", 1, 0))
		require.NoError(t, db.IncrementCounter(ctx, "stats:succeeded", 4, 0))
		require.NoError(t, db.IncrementCounter(ctx, "stats:succeeded", -2, 0))
		require.NoError(t, db.IncrementCounter(ctx, "stats:succeeded:2026-01-15", 7, 0))

		value, err := db.CounterValue(ctx, "stats:succeeded")
		require.NoError(t, err)
		assert.EqualValues(t, 3, value)
	})

	t.Run("expireIn sets expiry from now", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBoltDB(t, WithNow(clock.Now))

		require.NoError(t, db.IncrementCounter(ctx, "stats:succeeded:hourly", 1, time.Hour))

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindStats{Records: 1, Expiring: 1}, stats[KindCounter])

		entries, err := db.GetExpired(ctx, KindCounter, clock.Now().Add(time.Hour+time.Nanosecond), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, clock.Now().Add(time.Hour), entries[0].ExpiresAt)
	})

	t.Run("missing counter is zero", func(t *testing.T) {
		db := newTestBoltDB(t)
		value, err := db.CounterValue(ctx, "nope")
		require.NoError(t, err)
		assert.Zero(t, value)
	})
}

func TestBoltDB_Hashes(t *testing.T) {
	ctx := context.Background()

	t.Run("SetRangeInHash and GetHash round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.SetRangeInHash(ctx, "recurring-job:report", map[string]string{
			"Cron":       "0 * * * *",
			"TimeZoneId": "UTC",
		}))
		require.NoError(t, db.SetRangeInHash(ctx, "recurring-job:report", map[string]string{"Cron": "*/5 * * * *"}))

		fields, err := db.GetHash(ctx, "recurring-job:report")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"Cron": "*/5 * * * *", "TimeZoneId": "UTC"}, fields)
	})

	t.Run("update keeps existing expiry", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBoltDB(t, WithNow(clock.Now))

		require.NoError(t, db.SetRangeInHash(ctx, "job:1", map[string]string{"state": "Enqueued"}))
		_, err := db.Expire(ctx, KindHash, "job:1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, db.SetRangeInHash(ctx, "job:1", map[string]string{"state": "Succeeded"}))

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindStats{Records: 1, Expiring: 1}, stats[KindHash])
	})

	t.Run("missing hash", func(t *testing.T) {
		db := newTestBoltDB(t)
		_, err := db.GetHash(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("keys sharing a prefix are separate", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.SetRangeInHash(ctx, "job", map[string]string{"a": "1"}))
		require.NoError(t, db.SetRangeInHash(ctx, "job:1", map[string]string{"b": "2"}))

		fields, err := db.GetHash(ctx, "job")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1"}, fields)
	})
}

func TestBoltDB_Lists(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, db.RightPush(ctx, "queue:default", v))
	}
	// A key sorting directly after the list must not affect its tail.
	require.NoError(t, db.RightPush(ctx, "queue:default2", "z"))
	require.NoError(t, db.RightPush(ctx, "queue:default", "d"))

	values, err := db.GetList(ctx, "queue:default")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, values)

	values, err = db.GetList(ctx, "queue:default2")
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, values)

	values, err = db.GetList(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestBoltDB_Sets(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	require.NoError(t, db.AddToSet(ctx, "schedule", "job-1", 10))
	require.NoError(t, db.AddToSet(ctx, "schedule", "job-2", 20))
	require.NoError(t, db.AddToSet(ctx, "schedule", "job-1", 30))

	members, err := db.GetSet(ctx, "schedule")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "job-1", members[0].Value)
	assert.InDelta(t, 30, members[0].Score, 0)
	assert.Equal(t, "job-2", members[1].Value)
}

func TestBoltDB_Jobs(t *testing.T) {
	ctx := context.Background()

	t.Run("PutJob and GetJob round-trip", func(t *testing.T) {
		clock := newTestClock()
		db := newTestBoltDB(t, WithNow(clock.Now))

		invocation := bytes.Repeat([]byte(`{"Type":"Reports.Generate","Method":"Run"}`), 200)
		require.NoError(t, db.PutJob(ctx, &Job{
			ID:             "job-1",
			StateName:      "Enqueued",
			InvocationData: invocation,
			Arguments:      `["2026-01"]`,
			Parameters:     map[string]string{"RetryCount": "0"},
		}))

		job, err := db.GetJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "Enqueued", job.StateName)
		assert.Equal(t, invocation, job.InvocationData)
		assert.Equal(t, `["2026-01"]`, job.Arguments)
		assert.Equal(t, map[string]string{"RetryCount": "0"}, job.Parameters)
		assert.True(t, clock.Now().Equal(job.CreatedAt))
		assert.Nil(t, job.ExpireAt)
	})

	t.Run("PutJob requires an id", func(t *testing.T) {
		db := newTestBoltDB(t)
		require.Error(t, db.PutJob(ctx, &Job{}))
		require.Error(t, db.PutJob(ctx, nil))
	})

	t.Run("PutJob does not modify the caller's job", func(t *testing.T) {
		db := newTestBoltDB(t)
		job := &Job{ID: "job-1", InvocationData: []byte("payload")}
		require.NoError(t, db.PutJob(ctx, job))
		assert.Equal(t, []byte("payload"), job.InvocationData)
	})

	t.Run("DeleteJob removes job and expiry entries", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.PutJob(ctx, &Job{ID: "job-1"}))
		_, err := db.Expire(ctx, KindJob, "job-1", time.Hour)
		require.NoError(t, err)

		require.NoError(t, db.DeleteJob(ctx, "job-1"))

		_, err = db.GetJob(ctx, "job-1")
		require.ErrorIs(t, err, ErrNotFound)

		stats, err := db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindStats{}, stats[KindJob])
	})
}
