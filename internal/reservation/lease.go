package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Lease lets one of several sweeper instances run a pass at a time. It is
// an optimisation only: sweeps are idempotent, so losing or skipping the
// lease never breaks correctness.
type Lease interface {
	// Acquire returns ok=false when another holder owns the lease. The
	// returned release func is non-nil whenever ok is true.
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// releaseScript deletes the key only if it still holds our token, so a
// pass that outlived its TTL cannot drop a lease another instance now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a single-key lease: SET NX PX to take it, compare-and-delete
// to give it back.
type RedisLease struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisLease returns a lease on key that expires after ttl if never
// released.
func NewRedisLease(rdb *redis.Client, key string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = "stock:sweeper:lease"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{rdb: rdb, key: key, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire sweep lease")
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
	}
	return release, true, nil
}
