package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultLockTTL   = 10 * time.Second
	minRetryInterval = 5 * time.Millisecond
	maxRetryInterval = 100 * time.Millisecond
)

// releaseScript deletes the key only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every instance connected to the same Redis.
// A holder that dies releases its keys when ttl elapses.
type RedisLocker struct {
	client redis.UniversalClient
	log    *logrus.Logger
	prefix string
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, log: log, prefix: "card-ledger:lock:", ttl: ttl}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key

	wait := minRetryInterval
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if wait *= 2; wait > maxRetryInterval {
			wait = maxRetryInterval
		}
	}

	return func() { l.release(redisKey, token) }, nil
}

// release drops the key if it still carries token. A failed release leaves the
// key in place until its TTL runs out, so it is logged rather than ignored.
func (l *RedisLocker) release(redisKey, token string) {
	// the caller's ctx may already be cancelled; the release must still go out
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int64()
	if err != nil {
		l.log.WithField("lock_key", redisKey).Warnf("Failed to release lock, it is held until TTL expiry: %v", err)
		return
	}
	if deleted == 0 {
		l.log.WithField("lock_key", redisKey).Warn("Lock expired before release")
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
