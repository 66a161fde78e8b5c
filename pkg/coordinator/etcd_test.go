package coordinator

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/tests/v3/integration"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/internal/fixtures"
)

const etcdTestPrefix = "/clustercore-test/"

// newTestEtcd starts a single member etcd cluster in process.
func newTestEtcd(t *testing.T) (*etcdCoordinator, *clientv3.Client) {
	if runtime.GOOS != "linux" {
		t.Skip("etcd coordinator is tested only on Linux")
	}
	integration.BeforeTestExternal(t)
	cluster := integration.NewClusterV3(t, &integration.ClusterConfig{Size: 1})
	t.Cleanup(func() { cluster.Terminate(t) })
	cluster.WaitLeader(t)

	client := cluster.Client(0)
	// Not closed by the test, the cluster owns the client.
	return NewEtcd(fixtures.NewTestLogger(t), client, etcdTestPrefix).(*etcdCoordinator), client
}

func nextEvent(t *testing.T, ctx context.Context, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "watch closed")
		return ev
	case <-ctx.Done():
		require.FailNow(t, "no event")
		return Event{}
	}
}

func TestEtcdGetPutListDelete(t *testing.T) {
	ctx, cancel := fixtures.TestContext(t, 30*time.Second)
	defer cancel()
	ec, client := newTestEtcd(t)

	_, err := ec.Get(ctx, "nodes/a")
	require.True(t, errors.Is(err, clustercore.ErrKeyNotExists))

	require.NoError(t, ec.Put(ctx, "nodes/b", []byte("2"), 0))
	require.NoError(t, ec.Put(ctx, "nodes/a", []byte("1"), 0))
	require.NoError(t, ec.Put(ctx, "other/x", []byte("x"), 0))

	value, err := ec.Get(ctx, "nodes/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	kvs, err := ec.List(ctx, "nodes/")
	require.NoError(t, err)
	assert.Equal(t, []KV{{Key: "nodes/a", Value: []byte("1")}, {Key: "nodes/b", Value: []byte("2")}}, kvs)

	// Keys live below the configured prefix.
	resp, err := client.Get(ctx, etcdTestPrefix+"nodes/a")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)

	require.NoError(t, ec.Delete(ctx, "nodes/a"))
	require.NoError(t, ec.Delete(ctx, "nodes/a"))
	_, err = ec.Get(ctx, "nodes/a")
	require.True(t, errors.Is(err, clustercore.ErrKeyNotExists))
}

func TestEtcdPutWithTTLExpires(t *testing.T) {
	ctx, cancel := fixtures.TestContext(t, 30*time.Second)
	defer cancel()
	ec, _ := newTestEtcd(t)

	require.NoError(t, ec.Put(ctx, "nodes/a", []byte("1"), time.Second))
	require.NoError(t, ec.Put(ctx, "nodes/b", []byte("2"), 0))
	_, err := ec.Get(ctx, "nodes/a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := ec.Get(ctx, "nodes/a")
		return errors.Is(err, clustercore.ErrKeyNotExists)
	}, 10*time.Second, 100*time.Millisecond)

	_, err = ec.Get(ctx, "nodes/b")
	require.NoError(t, err)
}

func TestEtcdPutReusesLeasePerTTL(t *testing.T) {
	ctx, cancel := fixtures.TestContext(t, 30*time.Second)
	defer cancel()
	ec, client := newTestEtcd(t)

	leaseOf := func(key string) clientv3.LeaseID {
		resp, err := client.Get(ctx, etcdTestPrefix+key)
		require.NoError(t, err)
		require.Len(t, resp.Kvs, 1)
		return clientv3.LeaseID(resp.Kvs[0].Lease)
	}

	require.NoError(t, ec.Put(ctx, "nodes/a", []byte("1"), 30*time.Second))
	require.NoError(t, ec.Put(ctx, "nodes/b", []byte("2"), 30*time.Second))
	require.NoError(t, ec.Put(ctx, "nodes/a", []byte("1"), 30*time.Second))
	require.NoError(t, ec.Put(ctx, "nodes/c", []byte("3"), time.Minute))

	assert.NotEqual(t, clientv3.NoLease, leaseOf("nodes/a"))
	assert.Equal(t, leaseOf("nodes/a"), leaseOf("nodes/b"))
	assert.NotEqual(t, leaseOf("nodes/a"), leaseOf("nodes/c"))

	leases, err := client.Leases(ctx)
	require.NoError(t, err)
	assert.Len(t, leases.Leases, 2)

	// A revoked lease is replaced on the next Put.
	_, err = client.Revoke(ctx, leaseOf("nodes/a"))
	require.NoError(t, err)
	require.NoError(t, ec.Put(ctx, "nodes/a", []byte("1"), 30*time.Second))
	value, err := ec.Get(ctx, "nodes/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
}

func TestEtcdWatchPrefix(t *testing.T) {
	ctx, cancel := fixtures.TestContext(t, 30*time.Second)
	defer cancel()
	ec, _ := newTestEtcd(t)

	events, err := ec.Watch(ctx, "nodes/")
	require.NoError(t, err)

	require.NoError(t, ec.Put(ctx, "other/x", []byte("x"), 0))
	require.NoError(t, ec.Put(ctx, "nodes/a", []byte("1"), 0))
	require.NoError(t, ec.Delete(ctx, "nodes/a"))

	assert.Equal(t, Event{Type: EventPut, Key: "nodes/a", Value: []byte("1")}, nextEvent(t, ctx, events))
	assert.Equal(t, Event{Type: EventDelete, Key: "nodes/a"}, nextEvent(t, ctx, events))

	// Lease expiry is observed as a delete.
	require.NoError(t, ec.Put(ctx, "nodes/b", []byte("2"), time.Second))
	assert.Equal(t, Event{Type: EventPut, Key: "nodes/b", Value: []byte("2")}, nextEvent(t, ctx, events))
	assert.Equal(t, Event{Type: EventDelete, Key: "nodes/b"}, nextEvent(t, ctx, events))
}

func TestEtcdWatchClosedWithContext(t *testing.T) {
	ctx, cancel := fixtures.TestContext(t, 30*time.Second)
	defer cancel()
	ec, _ := newTestEtcd(t)

	ctxWatch, cancelWatch := context.WithCancel(ctx)
	events, err := ec.Watch(ctxWatch, "nodes/")
	require.NoError(t, err)
	cancelWatch()

	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-ctx.Done():
			require.FailNow(t, "watch not closed")
		}
	}
}

func TestEtcdPublishSubscribe(t *testing.T) {
	ctx, cancel := fixtures.TestContext(t, 30*time.Second)
	defer cancel()
	ec, client := newTestEtcd(t)

	// Written before the subscription, never delivered.
	require.NoError(t, ec.Publish(ctx, "events", []byte("early")))

	messages, err := ec.Subscribe(ctx, "events")
	require.NoError(t, err)
	require.NoError(t, ec.Publish(ctx, "events", []byte("m1")))
	require.NoError(t, ec.Publish(ctx, "other", []byte("x")))
	require.NoError(t, ec.Publish(ctx, "events", []byte("m2")))

	for _, want := range []string{"m1", "m2"} {
		select {
		case got := <-messages:
			assert.Equal(t, want, string(got))
		case <-ctx.Done():
			require.FailNow(t, "no message")
		}
	}

	// All four messages share one lease.
	leases, err := client.Leases(ctx)
	require.NoError(t, err)
	assert.Len(t, leases.Leases, 1)
}

func TestTTLSeconds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(1), ttlSeconds(time.Millisecond))
	assert.Equal(t, int64(1), ttlSeconds(time.Second))
	assert.Equal(t, int64(2), ttlSeconds(1500*time.Millisecond))
	assert.Equal(t, int64(30), ttlSeconds(30*time.Second))
}
