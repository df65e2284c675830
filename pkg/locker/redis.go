package locker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lease reacquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisLocker implements Locker with SET NX PX leases. Acquisition retries
// a bounded number of times with jittered backoff; parallel bidders on a
// hot auction are expected to contend here.
type RedisLocker struct {
	client      *redis.Client
	RetryCount  int
	RetryDelay  time.Duration
	RetryJitter time.Duration
}

// NewRedisLocker creates a RedisLocker with retry settings tuned for bid
// contention (10 retries, 150ms delay, up to 200ms jitter).
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:      client,
		RetryCount:  10,
		RetryDelay:  150 * time.Millisecond,
		RetryJitter: 200 * time.Millisecond,
	}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.New().String()
	for attempt := 0; attempt <= r.RetryCount; attempt++ {
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %s: %w", key, err)
		}
		if ok {
			return &redisLock{client: r.client, key: key, token: token}, nil
		}

		delay := r.RetryDelay
		if r.RetryJitter > 0 {
			delay += time.Duration(rand.Int63n(int64(r.RetryJitter)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ErrNotAcquired
		}
	}
	return nil, ErrNotAcquired
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Release(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if released == 0 {
		// Lease expired and may have been taken over; nothing to release.
		log.WithField("key", l.key).Warn("lock already expired at release")
	}
	return nil
}
