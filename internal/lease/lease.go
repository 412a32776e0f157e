// Package lease elects one instance to run background jobs.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a renewable, time-bounded claim.
type Lease interface {
	// TryAcquire claims or renews the lease and reports whether this holder
	// owns it afterwards.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lease up if this holder owns it.
	Release(ctx context.Context) error
}

// Local always holds the lease. Use it when a single instance runs.
type Local struct{}

func (Local) TryAcquire(context.Context) (bool, error) { return true, nil }
func (Local) Release(context.Context) error            { return nil }

// Only the holder whose token is stored may extend or delete the key.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease is a lease stored under one Redis key with a TTL.
type RedisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLease creates a lease on key. Each instance gets its own token.
func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire implements Lease.
func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	// SET key token NX PX ttl
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	extended, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend lease %s: %w", l.key, err)
	}
	return extended == 1, nil
}

// Release implements Lease.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
