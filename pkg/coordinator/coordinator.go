// Package coordinator provides the shared KV+watch service used for cluster membership and
// lightweight cross-node notifications.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/clustercore/clustercore"
)

// EventType is the kind of change observed by a watch.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is a single change to a key under a watched prefix.  Value is empty for EventDelete.
type Event struct {
	Type  EventType `json:"type"`
	Key   string    `json:"key"`
	Value []byte    `json:"value,omitempty"`
}

// KV is a key and its value.
type KV struct {
	Key   string
	Value []byte
}

// Coordinator is a KV store with prefix watches and a publish/subscribe channel.  Keys are
// logical, every implementation maps them below its own namespace.
//
// Failures to reach the backend are wrapped with clustercore.ErrCoordinatorUnavailable.
type Coordinator interface {
	// Get returns the value of the key, or clustercore.ErrKeyNotExists.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key under the prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]KV, error)
	// Put writes the key.  A ttl of zero keeps the key until it is deleted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the key.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Watch returns a channel of changes under the prefix.  The channel is closed when the context
	// is done or the watch fails, the caller is expected to List and Watch again.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
	// Publish sends a message to every current subscriber of the channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of messages published to the channel.  The channel is closed when
	// the context is done or the subscription fails.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// Close releases the backend connection.
	Close() error
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NewFromViper creates the Coordinator named by the coordinator parameter.
func NewFromViper(v *viper.Viper, logger logrus.FieldLogger) (Coordinator, error) {
	v.SetDefault(clustercore.ParamCoordinator, clustercore.DefaultCoordinator)
	v.SetDefault(clustercore.ParamCoordinatorPrefix, clustercore.DefaultCoordinatorPrefix)
	v.SetDefault(clustercore.ParamRedisAddr, clustercore.DefaultRedisAddr)
	v.SetDefault(clustercore.ParamEtcdEndpoints, []string{clustercore.DefaultEtcdEndpoints})

	prefix := v.GetString(clustercore.ParamCoordinatorPrefix)
	name := v.GetString(clustercore.ParamCoordinator)
	logger = logger.WithField("coordinator", name)

	switch name {
	case "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedisFromAddr(logger, v.GetString(clustercore.ParamRedisAddr), prefix), nil
	case "etcd":
		return NewEtcdFromEndpoints(logger, v.GetStringSlice(clustercore.ParamEtcdEndpoints), prefix)
	default:
		return nil, fmt.Errorf("unknown coordinator %q", name)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", clustercore.ErrCoordinatorUnavailable, op, err)
}

func notExists(key string) error {
	return fmt.Errorf("%w: %s", clustercore.ErrKeyNotExists, key)
}

func hasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
