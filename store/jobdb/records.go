package jobdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// IncrementCounter adds a counter row of value by under key.
// A positive expireIn makes the row expire that long from now.
func (b *BoltDB) IncrementCounter(_ context.Context, key string, by int64, expireIn time.Duration) error {
	rec := &Counter{
		ID:    uuid.NewString(),
		Key:   key,
		Value: by,
	}
	if expireIn > 0 {
		t := b.now().Add(expireIn)
		rec.ExpireAt = &t
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.putRecord(tx, KindCounter, counterKey(key, rec.ID), rec)
	})
}

// CounterValue returns the sum of all counter rows under key.
func (b *BoltDB) CounterValue(_ context.Context, key string) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefix(tx, KindCounter, key, func(_, v []byte) error {
			var rec Counter
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling counter: %w", err)
			}
			total += rec.Value
			return nil
		})
	})
	return total, err
}

// SetRangeInHash upserts fields of the hash under key.
// Existing fields keep their expiry.
func (b *BoltDB) SetRangeInHash(_ context.Context, key string, fields map[string]string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for field, value := range fields {
			pk := hashKey(key, field)

			rec := &Hash{}
			err := b.getRecord(tx, KindHash, pk, rec)
			switch {
			case errors.Is(err, ErrNotFound):
				rec = &Hash{Key: key, Field: field}
			case err != nil:
				return err
			}
			rec.Value = value

			if err := b.putRecord(tx, KindHash, pk, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetHash returns every field of the hash under key.
func (b *BoltDB) GetHash(_ context.Context, key string) (map[string]string, error) {
	fields := make(map[string]string)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefix(tx, KindHash, key, func(_, v []byte) error {
			var rec Hash
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling hash: %w", err)
			}
			fields[rec.Field] = rec.Value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fields, nil
}

// RightPush appends value to the list under key.
func (b *BoltDB) RightPush(_ context.Context, key, value string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		pos := int64(0)
		prefix := keyPrefix(key)
		cursor := tx.Bucket(bucketsByKind[KindList].records).Cursor()
		// Seek past the last key with this prefix, then step back to find the tail.
		upper := append(bytes.Clone(prefix[:len(prefix)-1]), 1)
		k, _ := cursor.Seek(upper)
		if k == nil {
			k, _ = cursor.Last()
		} else {
			k, _ = cursor.Prev()
		}
		if k != nil && bytes.HasPrefix(k, prefix) {
			pos = decodePosition(k[len(prefix):]) + 1
		}

		rec := &ListEntry{Key: key, Position: pos, Value: value}
		return b.putRecord(tx, KindList, listKey(key, pos), rec)
	})
}

// GetList returns the values of the list under key in insertion order.
func (b *BoltDB) GetList(_ context.Context, key string) ([]string, error) {
	var values []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefix(tx, KindList, key, func(_, v []byte) error {
			var rec ListEntry
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling list entry: %w", err)
			}
			values = append(values, rec.Value)
			return nil
		})
	})
	return values, err
}

// AddToSet adds value to the set under key, updating its score if present.
func (b *BoltDB) AddToSet(_ context.Context, key, value string, score float64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		pk := setKey(key, value)

		rec := &SetMember{}
		err := b.getRecord(tx, KindSet, pk, rec)
		switch {
		case errors.Is(err, ErrNotFound):
			rec = &SetMember{Key: key, Value: value}
		case err != nil:
			return err
		}
		rec.Score = score

		return b.putRecord(tx, KindSet, pk, rec)
	})
}

// GetSet returns the members of the set under key.
func (b *BoltDB) GetSet(_ context.Context, key string) ([]SetMember, error) {
	var members []SetMember
	err := b.db.View(func(tx *bbolt.Tx) error {
		return scanPrefix(tx, KindSet, key, func(_, v []byte) error {
			var rec SetMember
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling set member: %w", err)
			}
			members = append(members, rec)
			return nil
		})
	})
	return members, err
}

// PutJob stores a job, encoding its invocation data with the payload codec.
func (b *BoltDB) PutJob(_ context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job id is required")
	}

	stored := *job
	if len(job.InvocationData) > 0 {
		encoded, err := b.codec.Encode(job.InvocationData)
		if err != nil {
			return fmt.Errorf("encoding invocation data: %w", err)
		}
		stored.InvocationData = encoded
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = b.now()
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.putRecord(tx, KindJob, jobKey(job.ID), &stored)
	})
}

// GetJob retrieves a job by ID.
func (b *BoltDB) GetJob(_ context.Context, id string) (*Job, error) {
	job := &Job{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		return b.getRecord(tx, KindJob, jobKey(id), job)
	})
	if err != nil {
		return nil, err
	}

	if len(job.InvocationData) > 0 {
		data, err := b.codec.Decode(job.InvocationData)
		if err != nil {
			return nil, fmt.Errorf("decoding invocation data: %w", err)
		}
		job.InvocationData = data
	}
	return job, nil
}

// DeleteJob removes a job and its expiry entries.
func (b *BoltDB) DeleteJob(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		_, err := b.deleteRecord(tx, bucketsByKind[KindJob], jobKey(id))
		return err
	})
}

// scanPrefix calls fn for every record stored under the logical key.
func scanPrefix(tx *bbolt.Tx, kind Kind, key string, fn func(k, v []byte) error) error {
	names, err := bucketsFor(kind)
	if err != nil {
		return err
	}

	prefix := keyPrefix(key)
	cursor := tx.Bucket(names.records).Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
