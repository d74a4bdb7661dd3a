package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out advisory one-shot locks backed by SET NX with a TTL.
// These locks guard convenience invariants (one submit run per workspace
// and model at a time); correctness never depends on them alone, the
// database-side guards do that.
type Locker struct {
	redis *redis.Client
}

// NewLocker creates a locker.
func NewLocker(rdb *redis.Client) *Locker {
	if rdb == nil {
		panic("ratelimit.NewLocker: rdb must not be nil")
	}
	return &Locker{redis: rdb}
}

// Acquire takes the lock for at most ttl. The returned token releases it;
// ok is false when someone else holds the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// releaseScript deletes the key only while the token still owns it, in one
// server-side step. A separate GET/DEL pair would race: the lock can expire
// and change hands between the two calls, and the DEL would then drop the
// new holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release frees the lock when the token still owns it. A lock that already
// expired or was re-acquired by someone else is left alone.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
