package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, Coordinator) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	require.NotNil(t, mr)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
		DB:   0,
	})
	c := NewRedis(logrus.New(), redisClient, "foo")
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedisGetPutDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, c := newTestRedis(t)

	_, err := c.Get(ctx, "/nodes/a")
	require.True(t, errors.Is(err, clustercore.ErrKeyNotExists))

	require.NoError(t, c.Put(ctx, "/nodes/a", []byte("1"), 0))
	v, err := c.Get(ctx, "/nodes/a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	raw, err := mr.Get("foo/nodes/a")
	require.NoError(t, err)
	require.Equal(t, "1", raw)

	require.NoError(t, c.Delete(ctx, "/nodes/a"))
	require.False(t, mr.Exists("foo/nodes/a"))
}

func TestRedisTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, c := newTestRedis(t)

	require.NoError(t, c.Put(ctx, "/nodes/a", []byte("1"), 30*time.Second))
	require.Equal(t, 30*time.Second, mr.TTL("foo/nodes/a"))

	mr.FastForward(31 * time.Second)
	_, err := c.Get(ctx, "/nodes/a")
	require.True(t, errors.Is(err, clustercore.ErrKeyNotExists))
}

func TestRedisList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, c := newTestRedis(t)

	require.NoError(t, c.Put(ctx, "/nodes/b", []byte("b"), 0))
	require.NoError(t, c.Put(ctx, "/nodes/a", []byte("a"), 0))
	require.NoError(t, c.Put(ctx, "/nodesx", []byte("x"), 0))
	require.NoError(t, c.Put(ctx, "/triggers/x", []byte("x"), 0))

	kvs, err := c.List(ctx, "/nodes/")
	require.NoError(t, err)
	require.Equal(t, []KV{
		{Key: "/nodes/a", Value: []byte("a")},
		{Key: "/nodes/b", Value: []byte("b")},
	}, kvs)
}

func TestRedisWatch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, c := newTestRedis(t)

	events, err := c.Watch(ctx, "/nodes/")
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "/other/a", []byte("ignored"), 0))
	require.NoError(t, c.Put(ctx, "/nodes/a", []byte("1"), 0))
	require.NoError(t, c.Delete(ctx, "/nodes/a"))

	expected := []Event{
		{Type: EventPut, Key: "/nodes/a", Value: []byte("1")},
		{Type: EventDelete, Key: "/nodes/a"},
	}
	for _, want := range expected {
		select {
		case <-ctx.Done():
			require.FailNow(t, "timed out waiting for event")
		case got := <-events:
			assert.Equal(t, want, got)
		}
	}
}

func TestRedisPubSub(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, c := newTestRedis(t)

	msgs, err := c.Subscribe(ctx, "trigger-events")
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "trigger-events", []byte("hello")))

	select {
	case <-ctx.Done():
		require.FailNow(t, "timed out waiting for message")
	case msg := <-msgs:
		require.Equal(t, []byte("hello"), msg)
	}
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr, c := newTestRedis(t)
	mr.Close()

	err := c.Put(ctx, "/nodes/a", []byte("1"), 0)
	require.True(t, errors.Is(err, clustercore.ErrCoordinatorUnavailable))
}
