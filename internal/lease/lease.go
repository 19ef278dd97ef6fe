// Package lease keeps two workers from processing the same ballot at the same time
// when the broker redelivers a message that is still in flight elsewhere.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ballot-relay:lease:"

type Locker interface {
	// TryAcquire returns false when another holder owns id.
	TryAcquire(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
	Close() error
}

// Noop grants every lease. Used when no Redis is configured.
type Noop struct{}

func (Noop) TryAcquire(context.Context, string) (bool, error) { return true, nil }
func (Noop) Release(context.Context, string) error            { return nil }
func (Noop) Close() error                                     { return nil }

// KEYS[1] = lease key, ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds leases as SET NX keys that expire after ttl, so a crashed worker's
// lease frees itself.
type Redis struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

// NewRedis connects with a redis:// or rediss:// URL.
func NewRedis(ctx context.Context, rawURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedis(client, ttl), nil
}

func newRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, owner: uuid.NewString(), ttl: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+id, r.owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease %s: %w", id, err)
	}
	return ok, nil
}

// Release drops the lease only if this worker still owns it.
func (r *Redis) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + id}, r.owner).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
