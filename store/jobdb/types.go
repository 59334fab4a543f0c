// Package jobdb provides job-queue record storage using bbolt.
package jobdb

import (
	"fmt"
	"time"
)

// Kind identifies one of the expirable record collections.
type Kind string

const (
	KindCounter Kind = "counter"
	KindHash    Kind = "hash"
	KindList    Kind = "list"
	KindSet     Kind = "set"
	KindJob     Kind = "job"
)

// Kinds returns every record kind in sweep order.
func Kinds() []Kind {
	return []Kind{KindCounter, KindHash, KindList, KindSet, KindJob}
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Counter is a single increment of a named counter.
// The value of a counter is the sum of all its rows.
type Counter struct {
	ID       string     `json:"id"`
	Key      string     `json:"key"`
	Value    int64      `json:"value"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// Hash is one field of a named hash.
type Hash struct {
	Key      string     `json:"key"`
	Field    string     `json:"field"`
	Value    string     `json:"value"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// ListEntry is one element of a named list.
type ListEntry struct {
	Key      string     `json:"key"`
	Position int64      `json:"position"`
	Value    string     `json:"value"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// SetMember is one member of a named sorted set.
type SetMember struct {
	Key      string     `json:"key"`
	Value    string     `json:"value"`
	Score    float64    `json:"score"`
	ExpireAt *time.Time `json:"expire_at,omitempty"`
}

// Job is a background job row.
type Job struct {
	ID             string            `json:"id"`
	StateName      string            `json:"state_name,omitempty"`
	InvocationData []byte            `json:"invocation_data,omitempty"`
	Arguments      string            `json:"arguments,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpireAt       *time.Time        `json:"expire_at,omitempty"`
}

// ExpiryEntry identifies one record whose expiration timestamp has passed.
type ExpiryEntry struct {
	Kind      Kind      `json:"kind"`
	Key       []byte    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KindStats holds record counts for a single kind.
type KindStats struct {
	Records  int `json:"records"`
	Expiring int `json:"expiring"`
}

// expirable is implemented by every stored record so expiry can be
// rewritten without knowing the concrete kind.
type expirable interface {
	expiry() *time.Time
	setExpiry(*time.Time)
}

func (c *Counter) expiry() *time.Time     { return c.ExpireAt }
func (c *Counter) setExpiry(t *time.Time) { c.ExpireAt = t }

func (h *Hash) expiry() *time.Time     { return h.ExpireAt }
func (h *Hash) setExpiry(t *time.Time) { h.ExpireAt = t }

func (l *ListEntry) expiry() *time.Time     { return l.ExpireAt }
func (l *ListEntry) setExpiry(t *time.Time) { l.ExpireAt = t }

func (s *SetMember) expiry() *time.Time     { return s.ExpireAt }
func (s *SetMember) setExpiry(t *time.Time) { s.ExpireAt = t }

func (j *Job) expiry() *time.Time     { return j.ExpireAt }
func (j *Job) setExpiry(t *time.Time) { j.ExpireAt = t }

func newRecord(kind Kind) (expirable, error) {
	switch kind {
	case KindCounter:
		return &Counter{}, nil
	case KindHash:
		return &Hash{}, nil
	case KindList:
		return &ListEntry{}, nil
	case KindSet:
		return &SetMember{}, nil
	case KindJob:
		return &Job{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
