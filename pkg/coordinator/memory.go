package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tilinna/clock"

	"github.com/clustercore/clustercore/pkg/util"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero if the entry does not expire
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type memoryWatcher struct {
	prefix string
	queue  *util.Queue[Event]
}

type memorySubscriber struct {
	channel string
	queue   *util.Queue[[]byte]
}

// memoryCoordinator is an in-process Coordinator, for a single node deployment and for tests.
// Expired keys are hidden from reads but, like the redis coordinator, produce no Delete event.
type memoryCoordinator struct {
	mu          sync.Mutex
	data        map[string]memoryEntry
	watchers    map[*memoryWatcher]struct{}
	subscribers map[*memorySubscriber]struct{}
}

// NewMemory returns a new, empty in-process Coordinator.
func NewMemory() Coordinator {
	return &memoryCoordinator{
		data:        make(map[string]memoryEntry),
		watchers:    make(map[*memoryWatcher]struct{}),
		subscribers: make(map[*memorySubscriber]struct{}),
	}
}

func (mc *memoryCoordinator) Get(ctx context.Context, key string) ([]byte, error) {
	now := clock.FromContext(ctx).Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	e, ok := mc.data[key]
	if !ok || e.expired(now) {
		return nil, notExists(key)
	}
	return append([]byte(nil), e.value...), nil
}

func (mc *memoryCoordinator) List(ctx context.Context, prefix string) ([]KV, error) {
	now := clock.FromContext(ctx).Now()

	mc.mu.Lock()
	kvs := make([]KV, 0)
	for k, e := range mc.data {
		if hasPrefix(k, prefix) && !e.expired(now) {
			kvs = append(kvs, KV{Key: k, Value: append([]byte(nil), e.value...)})
		}
	}
	mc.mu.Unlock()

	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (mc *memoryCoordinator) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = clock.FromContext(ctx).Now().Add(ttl)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.data[key] = e
	mc.notify(Event{Type: EventPut, Key: key, Value: append([]byte(nil), value...)})
	return nil
}

func (mc *memoryCoordinator) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, ok := mc.data[key]; !ok {
		return nil
	}
	delete(mc.data, key)
	mc.notify(Event{Type: EventDelete, Key: key})
	return nil
}

// notify must be called with mu held, so watchers observe changes in write order.
func (mc *memoryCoordinator) notify(ev Event) {
	for w := range mc.watchers {
		if hasPrefix(ev.Key, w.prefix) {
			w.queue.Push(ev)
		}
	}
}

func (mc *memoryCoordinator) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	w := &memoryWatcher{
		prefix: prefix,
		queue:  util.NewQueue[Event](),
	}
	mc.mu.Lock()
	mc.watchers[w] = struct{}{}
	mc.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer func() {
			mc.mu.Lock()
			delete(mc.watchers, w)
			mc.mu.Unlock()
			close(out)
		}()
		w.queue.DrainTo(ctx, out)
	}()
	return out, nil
}

func (mc *memoryCoordinator) Publish(ctx context.Context, channel string, payload []byte) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for s := range mc.subscribers {
		if s.channel == channel {
			s.queue.Push(append([]byte(nil), payload...))
		}
	}
	return nil
}

func (mc *memoryCoordinator) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &memorySubscriber{
		channel: channel,
		queue:   util.NewQueue[[]byte](),
	}
	mc.mu.Lock()
	mc.subscribers[s] = struct{}{}
	mc.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer func() {
			mc.mu.Lock()
			delete(mc.subscribers, s)
			mc.mu.Unlock()
			close(out)
		}()
		s.queue.DrainTo(ctx, out)
	}()
	return out, nil
}

func (mc *memoryCoordinator) Close() error {
	return nil
}
