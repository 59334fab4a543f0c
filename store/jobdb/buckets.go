package jobdb

import (
	"bytes"
	"encoding/binary"
	"time"
)

// kindBuckets names the bbolt buckets backing one record kind.
type kindBuckets struct {
	records     []byte // primary key -> record JSON
	byExpiry    []byte // timestamp+primary key -> primary key
	expiryByKey []byte // primary key -> encoded timestamp (reverse index for O(1) delete)
}

var bucketsByKind = map[Kind]kindBuckets{
	KindCounter: {
		records:     []byte("counters"),
		byExpiry:    []byte("counters_by_expiry"),
		expiryByKey: []byte("counters_expiry_by_key"),
	},
	KindHash: {
		records:     []byte("hashes"),
		byExpiry:    []byte("hashes_by_expiry"),
		expiryByKey: []byte("hashes_expiry_by_key"),
	},
	KindList: {
		records:     []byte("lists"),
		byExpiry:    []byte("lists_by_expiry"),
		expiryByKey: []byte("lists_expiry_by_key"),
	},
	KindSet: {
		records:     []byte("sets"),
		byExpiry:    []byte("sets_by_expiry"),
		expiryByKey: []byte("sets_expiry_by_key"),
	},
	KindJob: {
		records:     []byte("jobs"),
		byExpiry:    []byte("jobs_by_expiry"),
		expiryByKey: []byte("jobs_expiry_by_key"),
	},
}

// timestampLen is the width of an encoded timestamp: 8 bytes of seconds
// followed by 4 bytes of nanoseconds.
const timestampLen = 12

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Seconds are offset so pre-1970 dates sort first. Unlike UnixNano, the
// encoding covers instants past 2262.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, timestampLen)
	binary.BigEndian.PutUint64(buf[:8], uint64(t.Unix()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	binary.BigEndian.PutUint32(buf[8:], uint32(t.Nanosecond()))    //nolint:gosec // always in [0, 1e9)
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < timestampLen {
		return time.Time{}
	}
	sec := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	nsec := int64(binary.BigEndian.Uint32(b[8:timestampLen]))
	return time.Unix(sec, nsec).UTC()
}

// makeExpiryKey creates a key for a by_expiry index.
// Format: [12-byte timestamp][primary key]
func makeExpiryKey(expiresAt time.Time, pk []byte) []byte {
	key := make([]byte, timestampLen+len(pk))
	copy(key[:timestampLen], encodeTimestamp(expiresAt))
	copy(key[timestampLen:], pk)
	return key
}

// parseExpiryKey extracts the expiry time and primary key from a by_expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, pk []byte) {
	if len(data) < timestampLen {
		return time.Time{}, nil
	}
	pk = make([]byte, len(data)-timestampLen)
	copy(pk, data[timestampLen:])
	return decodeTimestamp(data[:timestampLen]), pk
}

// makeCompoundKey joins key parts with a null separator.
// Format: [part][separator][part]...
func makeCompoundKey(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{0})
}

// keyPrefix returns the prefix shared by every compound key of a logical key.
func keyPrefix(key string) []byte {
	prefix := make([]byte, len(key)+1)
	copy(prefix, key)
	return prefix
}

// encodePosition encodes a list position so list keys sort by position.
func encodePosition(pos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(pos-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodePosition(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
}

func counterKey(key, id string) []byte {
	return makeCompoundKey([]byte(key), []byte(id))
}

func hashKey(key, field string) []byte {
	return makeCompoundKey([]byte(key), []byte(field))
}

func listKey(key string, pos int64) []byte {
	return makeCompoundKey([]byte(key), encodePosition(pos))
}

func setKey(key, value string) []byte {
	return makeCompoundKey([]byte(key), []byte(value))
}

func jobKey(id string) []byte {
	return []byte(id)
}
