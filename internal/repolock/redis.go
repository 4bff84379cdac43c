package repolock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if it still holds the token this
// acquisition set, so a lock that expired and was re-acquired by another
// writer is never released out from under it.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`

// RedisLock is a distributed Lock for multi-instance PDS deployments,
// grounded on the teacher's Lua-script idiom in
// internal/middleware/ratelimit.go for atomic Redis operations.
type RedisLock struct {
	client  *redis.Client
	ttl     time.Duration
	retry   time.Duration
	keyFunc func(did string) string
}

// NewRedisLock creates a RedisLock. ttl bounds how long a lock survives a
// crashed holder; retry is the poll interval while waiting to acquire.
func NewRedisLock(client *redis.Client, ttl, retry time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLock{
		client: client,
		ttl:    ttl,
		retry:  retry,
		keyFunc: func(did string) string {
			return "repolock:" + did
		},
	}
}

// Acquire implements Lock, blocking (polling at the configured retry
// interval) until the SETNX succeeds or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, did string) (func(), error) {
	key := l.keyFunc(did)
	token := uuid.New().String()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("repolock: acquire %s: %w", did, err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				l.client.Eval(releaseCtx, releaseScript, []string{key}, token)
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
