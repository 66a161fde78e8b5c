package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/cluster/nodes"
	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/stats"
	"github.com/clustercore/clustercore/pkg/util"
)

// Observer watches the membership of a cluster without joining it.
type Observer struct {
	Coordinator    string
	RedisAddr      string
	EtcdEndpoints  []string
	Prefix         string
	VNodes         int
	UpdateInterval time.Duration
	Keys           []string
}

// newObserver will create a new Observer with default values.
func newObserver() *Observer {
	return &Observer{
		Coordinator:    "redis",
		RedisAddr:      clustercore.DefaultRedisAddr,
		EtcdEndpoints:  []string{clustercore.DefaultEtcdEndpoints},
		Prefix:         clustercore.DefaultCoordinatorPrefix,
		VNodes:         clustercore.DefaultConsistentHashVNodes,
		UpdateInterval: time.Second,
	}
}

// AddFlags adds flags for a specific Observer to the specified FlagSet.
func (o *Observer) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Coordinator, "coordinator", o.Coordinator, "Coordinator backend: redis or etcd")
	fs.StringVar(&o.RedisAddr, "redis-addr", o.RedisAddr, "Redis address")
	fs.StringSliceVar(&o.EtcdEndpoints, "etcd-endpoints", o.EtcdEndpoints, "Etcd endpoints")
	fs.StringVar(&o.Prefix, "prefix", o.Prefix, "Prefix of the coordinator keys")
	fs.IntVar(&o.VNodes, "vnodes", o.VNodes, "Virtual points per node per ring, must match the cluster")
	fs.DurationVar(&o.UpdateInterval, "update-interval", o.UpdateInterval, "Print interval")
	fs.StringSliceVar(&o.Keys, "keys", o.Keys, "Keys to resolve on every ring")
}

func (o *Observer) newCoordinator(logger logrus.FieldLogger) (coordinator.Coordinator, error) {
	switch o.Coordinator {
	case "redis":
		return coordinator.NewRedisFromAddr(logger, o.RedisAddr, o.Prefix), nil
	case "etcd":
		return coordinator.NewEtcdFromEndpoints(logger, o.EtcdEndpoints, o.Prefix)
	default:
		return nil, fmt.Errorf("unknown coordinator %q", o.Coordinator)
	}
}

// Run runs the specified Observer.
func (o *Observer) Run(ctx context.Context) error {
	logger := logrus.StandardLogger()
	coord, err := o.newCoordinator(logger)
	if err != nil {
		return err
	}
	defer coord.Close()

	// The observer is never published, it only needs a self entry to build the view.
	self := &clustercore.Node{UUID: "observer", Name: "observer", Status: clustercore.NodeOffline}
	config := nodes.Config{VNodes: o.VNodes}
	c := nodes.NewCluster(logger, coord, self, config, nil, nil, stats.NewClusterMetrics(prometheus.NewRegistry()), util.RetryPolicy{})

	var g wait.Group
	defer g.Wait()
	g.StartWithContext(ctx, c.WatchNodeList)

	t := time.NewTicker(o.UpdateInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			o.print(c)
		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Observer) print(c *nodes.Cluster) {
	var sb strings.Builder
	for _, n := range c.Registry().List() {
		fmt.Fprintf(&sb, "%s %s %s roles=%v group=%q cpu=%.1f%%\n",
			n.Name, n.UUID, n.Status, n.Roles, n.RoleGroup, n.Metrics.CPUUsage)
	}
	sizes := c.Rings().Sizes()
	names := make([]string, 0, len(sizes))
	for name := range sizes {
		names = append(names, string(name))
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "ring %s: %d nodes\n", name, sizes[nodes.RingName(name)])
		for _, key := range o.Keys {
			owner, _ := c.Rings().Ring(nodes.RingName(name)).Lookup(key)
			fmt.Fprintf(&sb, "  %s -> %s\n", key, owner)
		}
	}
	fmt.Print(sb.String())
}
