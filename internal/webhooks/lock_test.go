package webhooks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLock(t *testing.T) {
	var l LocalLock
	unlock, ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock2, ok, err := l.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}

func TestRedisLock(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping redis lock test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	key := "payverify:test:sweep:" + time.Now().Format("150405.000000")
	a := NewRedisLock(client, key, time.Minute)
	b := NewRedisLock(client, key, time.Minute)
	ctx := context.Background()

	unlock, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlockB, ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	unlockB()
}
