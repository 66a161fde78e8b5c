package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdDialTimeout   = 5 * time.Second
	etcdPubSubPrefix  = "/_pubsub/"
	etcdPubSubMessage = 10 * time.Second
)

var errWatchNotCreated = errors.New("watch closed before it was created")

// etcdCoordinator maps keys below prefix and uses native prefix watches.  Publish/Subscribe is
// emulated with short lived keys, a subscriber only sees messages written after it subscribed.
//
// Keys written with the same TTL share one lease, and every Put with that TTL keeps it alive.
// Published messages share a lease for half of their lifetime, so they expire between
// etcdPubSubMessage/2 and etcdPubSubMessage after being written.
type etcdCoordinator struct {
	logger logrus.FieldLogger
	client *clientv3.Client
	prefix string

	leasesMu     sync.Mutex
	leases       map[int64]clientv3.LeaseID // by TTL in seconds
	messageLease clientv3.LeaseID
	messageSince time.Time
}

// NewEtcdFromEndpoints connects to the etcd cluster at endpoints.
func NewEtcdFromEndpoints(logger logrus.FieldLogger, endpoints []string, prefix string) (Coordinator, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, unavailable("connect", err)
	}
	return NewEtcd(logger, client, prefix), nil
}

// NewEtcd returns a Coordinator using the provided client.
func NewEtcd(logger logrus.FieldLogger, client *clientv3.Client, prefix string) Coordinator {
	return &etcdCoordinator{
		logger: logger,
		client: client,
		prefix: prefix,
		leases: make(map[int64]clientv3.LeaseID),
	}
}

// keyLease returns the lease shared by keys with ttl, refreshed.  A lease that can no longer be
// kept alive is replaced.
func (ec *etcdCoordinator) keyLease(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	seconds := ttlSeconds(ttl)
	ec.leasesMu.Lock()
	defer ec.leasesMu.Unlock()

	if id, ok := ec.leases[seconds]; ok {
		_, err := ec.client.KeepAliveOnce(ctx, id)
		if err == nil {
			return id, nil
		}
		ec.logger.WithError(err).WithField("ttl", seconds).Debug("Replacing etcd lease")
		delete(ec.leases, seconds)
	}
	lease, err := ec.client.Grant(ctx, seconds)
	if err != nil {
		return clientv3.NoLease, unavailable("grant", err)
	}
	ec.leases[seconds] = lease.ID
	return lease.ID, nil
}

// publishLease returns the lease for new messages, granting a fresh one once the current one is
// half way through its TTL.
func (ec *etcdCoordinator) publishLease(ctx context.Context) (clientv3.LeaseID, error) {
	now := clock.Now(ctx)
	ec.leasesMu.Lock()
	defer ec.leasesMu.Unlock()

	if ec.messageLease != clientv3.NoLease && now.Sub(ec.messageSince) < etcdPubSubMessage/2 {
		return ec.messageLease, nil
	}
	lease, err := ec.client.Grant(ctx, ttlSeconds(etcdPubSubMessage))
	if err != nil {
		return clientv3.NoLease, unavailable("grant", err)
	}
	ec.messageLease, ec.messageSince = lease.ID, now
	return lease.ID, nil
}

func (ec *etcdCoordinator) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := ec.client.Get(ctx, ec.prefix+key)
	if err != nil {
		return nil, unavailable("get", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, notExists(key)
	}
	return resp.Kvs[0].Value, nil
}

func (ec *etcdCoordinator) List(ctx context.Context, prefix string) ([]KV, error) {
	resp, err := ec.client.Get(ctx, ec.prefix+prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, unavailable("list", err)
	}
	kvs := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KV{
			Key:   strings.TrimPrefix(string(kv.Key), ec.prefix),
			Value: kv.Value,
		})
	}
	return kvs, nil
}

func (ec *etcdCoordinator) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var opts []clientv3.OpOption
	if ttl > 0 {
		id, err := ec.keyLease(ctx, ttl)
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(id))
	}
	if _, err := ec.client.Put(ctx, ec.prefix+key, string(value), opts...); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (ec *etcdCoordinator) Delete(ctx context.Context, key string) error {
	if _, err := ec.client.Delete(ctx, ec.prefix+key); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Watch returns once the server has created the watch, so writes made after it returns are seen.
func (ec *etcdCoordinator) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	wch := ec.client.Watch(clientv3.WithRequireLeader(ctx), ec.prefix+prefix, clientv3.WithPrefix(), clientv3.WithCreatedNotify())
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-wch:
		if !ok {
			return nil, unavailable("watch", errWatchNotCreated)
		}
		if err := resp.Err(); err != nil {
			return nil, unavailable("watch", err)
		}
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				ec.logger.WithError(err).Warn("Etcd watch failed")
				return
			}
			for _, e := range resp.Events {
				ev := Event{Key: strings.TrimPrefix(string(e.Kv.Key), ec.prefix)}
				switch e.Type {
				case clientv3.EventTypePut:
					ev.Type = EventPut
					ev.Value = e.Kv.Value
				case clientv3.EventTypeDelete:
					ev.Type = EventDelete
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (ec *etcdCoordinator) Publish(ctx context.Context, channel string, payload []byte) error {
	key := ec.prefix + etcdPubSubPrefix + channel + "/" + uuid.NewString()
	id, err := ec.publishLease(ctx)
	if err != nil {
		return err
	}
	if _, err := ec.client.Put(ctx, key, string(payload), clientv3.WithLease(id)); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (ec *etcdCoordinator) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	events, err := ec.Watch(ctx, etcdPubSubPrefix+channel+"/")
	if err != nil {
		return nil, err
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Type != EventPut {
				continue // lease expiry of an old message
			}
			select {
			case out <- ev.Value:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (ec *etcdCoordinator) Close() error {
	return ec.client.Close()
}

// ttlSeconds rounds up, etcd leases have a one second granularity.
func ttlSeconds(ttl time.Duration) int64 {
	s := int64((ttl + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
