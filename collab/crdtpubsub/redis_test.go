package crdtpubsub

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoRedis skips the test when no Redis server is reachable.
func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping Redis test: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisPubSub_PublishSubscribe(t *testing.T) {
	client := skipIfNoRedis(t)
	ctx := context.Background()

	ps, err := NewRedisPubSub(client, nil)
	require.NoError(t, err)
	defer ps.Close()

	topic := DocTopic("redis-test-" + time.Now().Format("150405.000000"))

	var a, b collector
	require.NoError(t, ps.Subscribe(ctx, topic, "a", a.handle))
	require.NoError(t, ps.Subscribe(ctx, topic, "b", b.handle))

	// Redis confirms the subscription asynchronously
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, ps.Publish(ctx, topic, []byte("one")))
	require.NoError(t, ps.Publish(ctx, topic, []byte("two")))

	assert.Eventually(t, func() bool { return len(a.get()) == 2 && len(b.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, a.get())

	require.NoError(t, ps.Unsubscribe(ctx, topic, "a"))
	require.NoError(t, ps.Publish(ctx, topic, []byte("three")))
	assert.Eventually(t, func() bool { return len(b.get()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, a.get(), 2)
}

func TestNewRedisPubSub_RejectsNilClient(t *testing.T) {
	_, err := NewRedisPubSub(nil, nil)
	assert.Error(t, err)
}
