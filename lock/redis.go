package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Locker using a Redis backend.
type Redis struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
	logger *slog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithRedisLease sets the key TTL of an acquired lock.
func WithRedisLease(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.lease = d
	}
}

// WithRedisPrefix sets a prefix prepended to every lock key.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithRedisLogger sets the logger for the locker.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		lease:  DefaultLease,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire blocks until the lock is held or timeout elapses.
func (r *Redis) Acquire(ctx context.Context, resource string, timeout time.Duration) (Handle, error) {
	key := r.prefix + resource
	token := uuid.NewString()

	err := acquire(ctx, resource, timeout, func(ctx context.Context) (bool, error) {
		return r.client.SetNX(ctx, key, token, r.lease).Result()
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("lock acquired", "resource", resource, "key", key)
	h := &redisHandle{locker: r, resource: resource, key: key, token: token}
	h.heartbeat = startHeartbeat(ctx, resource, r.lease, h.renew, r.logger)
	return h, nil
}

type redisHandle struct {
	locker    *Redis
	resource  string
	key       string
	token     string
	heartbeat *heartbeat

	once sync.Once
	err  error
}

func (h *redisHandle) Resource() string {
	return h.resource
}

// renew resets the key TTL while the token still matches.
func (h *redisHandle) renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, h.locker.client, []string{h.key}, h.token, h.locker.lease.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (h *redisHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.heartbeat.stop()
		_, err := delScript.Run(ctx, h.locker.client, []string{h.key}, h.token).Result()
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		h.err = err
		if err == nil {
			h.locker.logger.Debug("lock released", "resource", h.resource, "key", h.key)
		}
	})
	return h.err
}
