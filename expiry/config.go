// Package expiry removes job-queue records whose expiration time has passed.
//
// A Manager sweeps counters, hashes, lists, sets and jobs in turn. Each kind
// is swept while holding a distributed lock shared by every process using the
// same store, so only one process deletes at a time.
package expiry

import "time"

const (
	// DefaultBatchSize is the maximum number of records deleted per transaction.
	DefaultBatchSize = 1000

	// DefaultLockResource is the lock shared by every kind's sweep.
	DefaultLockResource = "locks:expirationmanager"
)

// Config configures the expiration manager.
type Config struct {
	BatchSize                  int           // Max records deleted per round (default: 1000)
	DistributedLockTimeout     time.Duration // How long to wait for the sweep lock (default: 10m)
	JobExpirationCheckInterval time.Duration // Wait after each pass (default: 30m)
	LockResource               string        // Lock name (default: locks:expirationmanager)
}

// DefaultConfig returns the default expiration configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:                  DefaultBatchSize,
		DistributedLockTimeout:     10 * time.Minute,
		JobExpirationCheckInterval: 30 * time.Minute,
		LockResource:               DefaultLockResource,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.DistributedLockTimeout <= 0 {
		c.DistributedLockTimeout = def.DistributedLockTimeout
	}
	if c.JobExpirationCheckInterval <= 0 {
		c.JobExpirationCheckInterval = def.JobExpirationCheckInterval
	}
	if c.LockResource == "" {
		c.LockResource = def.LockResource
	}
	return c
}
