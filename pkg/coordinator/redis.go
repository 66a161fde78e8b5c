package coordinator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const (
	redisEventsChannel = "events"
	redisPubSubChannel = "pubsub:"
	redisScanCount     = 500
)

// RedisClient is the subset of the go-redis client used by the coordinator.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Close() error
}

// redisCoordinator stores keys as plain redis strings below the namespace, and announces every
// change on a single events channel in the same MULTI block as the write.
//
// Keys which expire through their TTL are not announced.  Crashed nodes are caught by the health
// checker instead.
type redisCoordinator struct {
	logger    logrus.FieldLogger
	client    RedisClient
	namespace string
}

// NewRedisFromAddr returns a Coordinator backed by the redis server at addr.
func NewRedisFromAddr(logger logrus.FieldLogger, addr, namespace string) Coordinator {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	return NewRedis(logger, client, namespace)
}

// NewRedis returns a Coordinator using the provided client.
func NewRedis(logger logrus.FieldLogger, client RedisClient, namespace string) Coordinator {
	return &redisCoordinator{
		logger:    logger,
		client:    client,
		namespace: namespace,
	}
}

func (rc *redisCoordinator) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := rc.client.Get(ctx, rc.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notExists(key)
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return value, nil
}

func (rc *redisCoordinator) List(ctx context.Context, prefix string) ([]KV, error) {
	match := escapeGlob(rc.namespace+prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := rc.client.Scan(ctx, cursor, match, redisScanCount).Result()
		if err != nil {
			return nil, unavailable("scan", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Strings(keys)
	keys = dedupSorted(keys)

	kvs := make([]KV, 0, len(keys))
	for start := 0; start < len(keys); start += redisScanCount {
		end := start + redisScanCount
		if end > len(keys) {
			end = len(keys)
		}
		values, err := rc.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, unavailable("mget", err)
		}
		for i, value := range values {
			s, ok := value.(string)
			if !ok {
				continue // deleted or expired between SCAN and MGET
			}
			kvs = append(kvs, KV{
				Key:   strings.TrimPrefix(keys[start+i], rc.namespace),
				Value: []byte(s),
			})
		}
	}
	return kvs, nil
}

func (rc *redisCoordinator) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ev, err := json.Marshal(Event{Type: EventPut, Key: key, Value: value})
	if err != nil {
		return err
	}
	_, err = rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rc.namespace+key, value, ttl)
		pipe.Publish(ctx, rc.namespace+redisEventsChannel, ev)
		return nil
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (rc *redisCoordinator) Delete(ctx context.Context, key string) error {
	ev, err := json.Marshal(Event{Type: EventDelete, Key: key})
	if err != nil {
		return err
	}
	_, err = rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rc.namespace+key)
		pipe.Publish(ctx, rc.namespace+redisEventsChannel, ev)
		return nil
	})
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (rc *redisCoordinator) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	messages, err := rc.subscribe(ctx, rc.namespace+redisEventsChannel)
	if err != nil {
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for payload := range messages {
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				rc.logger.WithError(err).Warn("Dropping malformed coordinator event")
				continue
			}
			if !hasPrefix(ev.Key, prefix) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (rc *redisCoordinator) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := rc.client.Publish(ctx, rc.namespace+redisPubSubChannel+channel, payload).Err(); err != nil {
		return unavailable("publish", err)
	}
	return nil
}

func (rc *redisCoordinator) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return rc.subscribe(ctx, rc.namespace+redisPubSubChannel+channel)
}

// subscribe waits for the subscription to be confirmed, so nothing published after it returns is missed.
func (rc *redisCoordinator) subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := rc.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", err)
	}

	psChan := pubsub.Channel() // Closed when pubsub is Closed
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-psChan:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (rc *redisCoordinator) Close() error {
	return rc.client.Close()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func dedupSorted(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
