package nodes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tilinna/clock"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/stats"
	"github.com/clustercore/clustercore/pkg/util"
)

// NodesPrefix is the coordinator prefix of the node entries, keyed by UUID.
const NodesPrefix = "/nodes/"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the membership and health check settings of a Cluster.
type Config struct {
	VNodes                 int
	HeartbeatInterval      time.Duration
	NodeTTL                time.Duration
	HealthCheckEnabled     bool
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	HealthCheckFailedTimes int
}

// NewConfigFromViper reads and validates the cluster settings.
func NewConfigFromViper(v *viper.Viper) (Config, error) {
	v.SetDefault(clustercore.ParamConsistentHashVNodes, clustercore.DefaultConsistentHashVNodes)
	v.SetDefault(clustercore.ParamNodeHeartbeatInterval, clustercore.DefaultNodeHeartbeatInterval)
	v.SetDefault(clustercore.ParamNodeTTL, clustercore.DefaultNodeTTL)
	v.SetDefault(clustercore.ParamHealthCheckEnabled, clustercore.DefaultHealthCheckEnabled)
	v.SetDefault(clustercore.ParamHealthCheckInterval, clustercore.DefaultHealthCheckInterval)
	v.SetDefault(clustercore.ParamHealthCheckTimeout, clustercore.DefaultHealthCheckTimeout)
	v.SetDefault(clustercore.ParamHealthCheckFailedTimes, clustercore.DefaultHealthCheckFailedTimes)

	config := Config{
		VNodes:                 v.GetInt(clustercore.ParamConsistentHashVNodes),
		HeartbeatInterval:      v.GetDuration(clustercore.ParamNodeHeartbeatInterval),
		NodeTTL:                v.GetDuration(clustercore.ParamNodeTTL),
		HealthCheckEnabled:     v.GetBool(clustercore.ParamHealthCheckEnabled),
		HealthCheckInterval:    v.GetDuration(clustercore.ParamHealthCheckInterval),
		HealthCheckTimeout:     v.GetDuration(clustercore.ParamHealthCheckTimeout),
		HealthCheckFailedTimes: v.GetInt(clustercore.ParamHealthCheckFailedTimes),
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects settings the membership loops cannot run with.  A zero NodeTTL keeps the entry
// until the node leaves.
func (c Config) Validate() error {
	if c.VNodes <= 0 {
		return errors.New(clustercore.ParamConsistentHashVNodes + " must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New(clustercore.ParamNodeHeartbeatInterval + " must be positive")
	}
	if c.NodeTTL < 0 {
		return errors.New(clustercore.ParamNodeTTL + " must be zero or positive")
	}
	if c.NodeTTL > 0 && c.NodeTTL <= c.HeartbeatInterval {
		return errors.New(clustercore.ParamNodeTTL + " must be longer than " + clustercore.ParamNodeHeartbeatInterval)
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New(clustercore.ParamHealthCheckInterval + " must be positive")
	}
	if c.HealthCheckTimeout <= 0 {
		return errors.New(clustercore.ParamHealthCheckTimeout + " must be positive")
	}
	if c.HealthCheckFailedTimes <= 0 {
		return errors.New(clustercore.ParamHealthCheckFailedTimes + " must be positive")
	}
	return nil
}

// NewSelfFromViper builds the node entry this process publishes.  The UUID is fresh for every process.
func NewSelfFromViper(v *viper.Viper, version string) (*clustercore.Node, error) {
	v.SetDefault(clustercore.ParamNodeRoles, clustercore.DefaultNodeRoles)
	v.SetDefault(clustercore.ParamGrpcAddr, clustercore.DefaultGrpcAddr)
	v.SetDefault(clustercore.ParamHTTPAddr, clustercore.DefaultHTTPAddr)

	name := v.GetString(clustercore.ParamNodeName)
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%s not set and no hostname: %w", clustercore.ParamNodeName, err)
		}
		name = hostname
	}
	roles, err := clustercore.ParseRoles(v.GetStringSlice(clustercore.ParamNodeRoles))
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, errors.New(clustercore.ParamNodeRoles + " must not be empty")
	}
	group, err := clustercore.ParseRoleGroup(v.GetString(clustercore.ParamNodeRoleGroup))
	if err != nil {
		return nil, err
	}

	grpcAddr, err := advertisedAddr(v.GetString(clustercore.ParamGrpcAddr), advertiseTarget)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clustercore.ParamGrpcAddr, err)
	}
	httpAddr, err := advertisedAddr(v.GetString(clustercore.ParamHTTPAddr), advertiseTarget)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", clustercore.ParamHTTPAddr, err)
	}

	n := &clustercore.Node{
		UUID:      uuid.NewString(),
		Name:      name,
		GrpcAddr:  grpcAddr,
		HTTPAddr:  httpAddr,
		Roles:     roles,
		RoleGroup: group,
		CPUNum:    uint64(runtime.NumCPU()),
		Status:    clustercore.NodeOnline,
		Version:   version,
	}
	n.Scheduled = n.IsIngester()
	return n, nil
}

// Cluster owns the membership view of this process: the Registry, the Rings, the health check
// failure counters, and this node's own entry.
//
// Membership changes are applied under membershipMu so a node is always removed from the Rings
// and the Registry in the same step.
type Cluster struct {
	logger    logrus.FieldLogger
	coord     coordinator.Coordinator
	config    Config
	prober    Prober
	collector MetricsCollector
	metrics   *stats.ClusterMetrics
	retry     util.RetryPolicy

	registry *Registry
	rings    *Rings

	selfMu sync.Mutex
	self   *clustercore.Node

	membershipMu sync.Mutex
	failures     map[string]int // uuid -> consecutive probe failures

	offline         atomic.Bool
	publishFailures atomic.Int64 // consecutive failed writes of this node's entry
}

// NewCluster creates the membership view for self.  prober and collector may be nil, which disables
// probing and local metrics respectively.  retry bounds the initial registration and paces watch
// restarts, the zero value is the default policy.
func NewCluster(
	logger logrus.FieldLogger,
	coord coordinator.Coordinator,
	self *clustercore.Node,
	config Config,
	prober Prober,
	collector MetricsCollector,
	metrics *stats.ClusterMetrics,
	retry util.RetryPolicy,
) *Cluster {
	if prober == nil {
		config.HealthCheckEnabled = false
	}
	if config.HealthCheckFailedTimes < 1 {
		config.HealthCheckFailedTimes = 1
	}
	return &Cluster{
		logger:    logger,
		coord:     coord,
		config:    config,
		prober:    prober,
		collector: collector,
		metrics:   metrics,
		retry:     retry,
		registry:  NewRegistry(),
		rings:     NewRings(config.VNodes),
		self:      self.Copy(),
		failures:  make(map[string]int),
	}
}

// Self returns a copy of the entry of this node.
func (c *Cluster) Self() *clustercore.Node {
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	return c.self.Copy()
}

func (c *Cluster) Registry() *Registry {
	return c.registry
}

func (c *Cluster) Rings() *Rings {
	return c.rings
}

// IsOffline returns true once this node has left the cluster.
func (c *Cluster) IsOffline() bool {
	return c.offline.Load()
}

// ListNodes reads the authoritative node list from the coordinator.  Entries which cannot be
// decoded are logged and skipped.
func (c *Cluster) ListNodes(ctx context.Context) ([]*clustercore.Node, error) {
	kvs, err := c.coord.List(ctx, NodesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes := make([]*clustercore.Node, 0, len(kvs))
	for _, kv := range kvs {
		n, err := decodeNode(kv.Value)
		if err != nil {
			c.logger.WithError(err).WithField("key", kv.Key).Warn("Skipping invalid node entry")
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func decodeNode(value []byte) (*clustercore.Node, error) {
	var n clustercore.Node
	if err := json.Unmarshal(value, &n); err != nil {
		return nil, err
	}
	if n.UUID == "" || n.Name == "" {
		return nil, errors.New("node entry without uuid or name")
	}
	return &n, nil
}

// Register publishes this node as online, with a fresh metrics sample.
func (c *Cluster) Register(ctx context.Context) error {
	if c.collector != nil {
		m, err := c.collector.Collect(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("Failed to collect node metrics")
		} else {
			c.setLocalMetrics(m)
		}
	}
	self := c.Self()
	self.Status = clustercore.NodeOnline
	if err := c.put(ctx, self); err != nil {
		return err
	}
	c.metrics.NodeUp.Set(1)

	c.selfMu.Lock()
	joined := !c.self.Broadcasted
	c.self.Broadcasted = true
	c.selfMu.Unlock()
	if joined {
		c.logger.WithField("roles", self.Roles).Info("Joined the cluster")
	}
	return nil
}

// Leave publishes this node as offline, deletes its entry and marks the process offline.  The
// offline flag is set even if the coordinator cannot be reached.
func (c *Cluster) Leave(ctx context.Context) error {
	c.offline.Store(true)
	c.metrics.NodeUp.Set(0)

	self := c.Self()
	self.Status = clustercore.NodeOffline
	c.selfMu.Lock()
	c.self.Status = clustercore.NodeOffline
	c.self.Broadcasted = false
	c.selfMu.Unlock()

	c.membershipMu.Lock()
	c.leaveLocked(self.UUID)
	c.membershipMu.Unlock()

	putErr := c.put(ctx, self)
	delErr := c.coord.Delete(ctx, NodesPrefix+self.UUID)
	if delErr != nil {
		return fmt.Errorf("leave: %w", delErr)
	}
	if putErr != nil {
		return putErr
	}
	c.logger.Info("Left the cluster")
	return nil
}

func (c *Cluster) put(ctx context.Context, n *clustercore.Node) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := c.coord.Put(ctx, NodesPrefix+n.UUID, value, c.config.NodeTTL); err != nil {
		c.publishFailures.Add(1)
		return fmt.Errorf("publish node: %w", err)
	}
	c.publishFailures.Store(0)
	return nil
}

func (c *Cluster) setLocalMetrics(m clustercore.NodeMetrics) {
	c.selfMu.Lock()
	c.self.Metrics = m
	c.selfMu.Unlock()

	c.metrics.CPUUsage.Set(m.CPUUsage)
	c.metrics.MemoryUsage.Set(float64(m.MemoryUsage))
	c.metrics.MemoryTotal.Set(float64(m.MemoryTotal))
	c.metrics.TCPConnections.WithLabelValues("all").Set(float64(m.TCPConns))
	c.metrics.TCPConnections.WithLabelValues("established").Set(float64(m.TCPConnsEstab))
	c.metrics.TCPConnections.WithLabelValues("time_wait").Set(float64(m.TCPConnsWait))
	c.metrics.TCPConnections.WithLabelValues("close_wait").Set(float64(m.TCPConnsClose))
	c.metrics.TCPConnections.WithLabelValues("listen").Set(float64(m.TCPConnsListen))
}

// RunHeartbeat registers this node, then refreshes its entry every HeartbeatInterval so the TTL
// never lapses.  When the context is done the node leaves the cluster.
func (c *Cluster) RunHeartbeat(ctx context.Context) {
	clck := clock.FromContext(ctx)

	err := util.Retry(ctx, c.retry.Bounded()(), func() error {
		return c.Register(ctx)
	}, func(err error, wait time.Duration) {
		c.logger.WithError(err).WithField("retry_in", wait).Info("Registration failed, retrying")
	})
	if err != nil && ctx.Err() == nil {
		c.logger.WithError(err).Warn("Initial registration failed, relying on heartbeats")
	}

	ticker := clck.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	defer func() {
		ctxExit, cancel := clck.TimeoutContext(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Leave(ctxExit); err != nil {
			c.logger.WithError(err).Warn("Failed to leave the cluster")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsOffline() {
				return
			}
			if err := c.Register(ctx); err != nil {
				c.logger.WithError(err).Warn("Heartbeat failed")
			}
		}
	}
}

// applyPut applies a node entry observed in the coordinator.
func (c *Cluster) applyPut(n *clustercore.Node) {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	if !n.IsOnline() {
		c.leaveLocked(n.UUID)
		return
	}

	existing, known := c.registry.Get(n.UUID)
	if known && existing.EqualIgnoringMetrics(n) {
		c.registry.UpdateMetrics(n.UUID, n.Metrics)
		return
	}

	if stale, ok := c.registry.Conflicting(n); ok {
		c.logger.WithFields(logrus.Fields{
			"node":     n.Name,
			"uuid":     n.UUID,
			"old_uuid": stale.UUID,
		}).Info("Node replaced")
		c.leaveLocked(stale.UUID)
	}

	if known {
		c.rings.Remove(existing) // roles or group may have changed
	} else {
		c.logger.WithFields(logrus.Fields{
			"node":  n.Name,
			"uuid":  n.UUID,
			"roles": n.Roles,
		}).Info("Node joined")
	}
	c.rings.Add(n)
	c.registry.Put(n)
	c.failures[n.UUID] = 0
	c.updateGauges()
}

// leaveLocked removes the node from the Rings, then the Registry, then drops its failure counter.
// Must be called with membershipMu held.
func (c *Cluster) leaveLocked(id string) {
	n, ok := c.registry.Get(id)
	if !ok {
		delete(c.failures, id)
		return
	}
	c.rings.Remove(n)
	c.registry.Delete(id)
	delete(c.failures, id)
	c.logger.WithFields(logrus.Fields{
		"node": n.Name,
		"uuid": id,
	}).Info("Node left")
	c.updateGauges()
}

// sync makes the membership view match a full snapshot.  Must be called without membershipMu.
func (c *Cluster) sync(nodes []*clustercore.Node) {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		seen[n.UUID] = struct{}{}
		c.applyPut(n)
	}

	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()
	for _, n := range c.registry.List() {
		if _, ok := seen[n.UUID]; !ok {
			c.leaveLocked(n.UUID)
		}
	}
}

func (c *Cluster) updateGauges() {
	online, offline := 0, 0
	for _, n := range c.registry.List() {
		if n.IsOnline() {
			online++
		} else {
			offline++
		}
	}
	c.metrics.Nodes.WithLabelValues(string(clustercore.NodeOnline)).Set(float64(online))
	c.metrics.Nodes.WithLabelValues(string(clustercore.NodeOffline)).Set(float64(offline))
	for name, size := range c.rings.Sizes() {
		c.metrics.RingNodes.WithLabelValues(string(name)).Set(float64(size))
	}
}

// NodeFor returns the node owning the key for the role and group.
func (c *Cluster) NodeFor(key string, role clustercore.Role, group clustercore.RoleGroup) (*clustercore.Node, bool) {
	name, ok := c.rings.Lookup(key, role, group)
	if !ok {
		return nil, false
	}
	return c.registry.GetByName(name)
}

// IsOwner returns true if this node owns the key for the role and group.
func (c *Cluster) IsOwner(key string, role clustercore.Role, group clustercore.RoleGroup) bool {
	name, ok := c.rings.Lookup(key, role, group)
	if !ok {
		return false
	}
	c.selfMu.Lock()
	defer c.selfMu.Unlock()
	return name == c.self.Name
}

// ParseNodesKey returns the UUID of a node key.
func ParseNodesKey(key string) (string, bool) {
	if !strings.HasPrefix(key, NodesPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, NodesPrefix)
	return id, id != ""
}
