package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SweepLock keeps retry sweeps from overlapping. TryLock never blocks; ok is
// false when another holder has the lock.
type SweepLock interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// LocalLock serializes sweeps within one process.
type LocalLock struct {
	mu sync.Mutex
}

func (l *LocalLock) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// RedisLock serializes sweeps across replicas with SET NX PX. The TTL bounds
// how long a crashed holder blocks others; it should exceed a sweep's runtime.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisLock {
	if key == "" {
		key = "payverify:webhooks:sweep"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// only the token holder may release
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLock) TryLock(ctx context.Context) (func(), bool, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, false, err
	}
	token := hex.EncodeToString(b)
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, true, nil
}
