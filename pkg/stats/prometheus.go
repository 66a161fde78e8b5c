// Package stats holds the prometheus collectors exported by a node.  Collectors are registered
// on an injected prometheus.Registerer so tests can use a private registry.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clustercore"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// ClusterMetrics is updated on every membership change, and by the local heartbeat.
type ClusterMetrics struct {
	NodeUp         prometheus.Gauge
	Nodes          *prometheus.GaugeVec // by status
	RingNodes      *prometheus.GaugeVec // by ring
	Evictions      prometheus.Counter
	ProbeFailures  prometheus.Counter
	WatchRestarts  prometheus.Counter
	CPUUsage       prometheus.Gauge
	MemoryUsage    prometheus.Gauge
	MemoryTotal    prometheus.Gauge
	TCPConnections *prometheus.GaugeVec // by state
}

// NewClusterMetrics creates and registers the cluster collectors.
func NewClusterMetrics(reg prometheus.Registerer) *ClusterMetrics {
	f := promauto.With(reg)
	return &ClusterMetrics{
		NodeUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_up",
			Help:      "1 while this node is registered in the cluster",
		}),
		Nodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_nodes",
			Help:      "Number of known nodes by status",
		}, []string{"status"}),
		RingNodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ring_nodes",
			Help:      "Number of nodes on each consistent hash ring",
		}, []string{"ring"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_evictions_total",
			Help:      "Nodes evicted after failing too many probes",
		}),
		ProbeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_failures_total",
			Help:      "Failed node probes",
		}),
		WatchRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_watch_restarts_total",
			Help:      "Restarts of the node list watch after a failure",
		}),
		CPUUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_cpu_usage",
			Help:      "CPU usage of this node, in cores",
		}),
		MemoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_memory_usage_bytes",
			Help:      "Used memory of this node",
		}),
		MemoryTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_memory_total_bytes",
			Help:      "Total memory of this node",
		}),
		TCPConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_tcp_connections",
			Help:      "TCP connections of this node by state",
		}, []string{"state"}),
	}
}

// SchedulerMetrics counts trigger store operations.
type SchedulerMetrics struct {
	Operations *prometheus.CounterVec // by op and result
	Pulled     *prometheus.CounterVec // by module
	Reclaimed  prometheus.Counter
	Cleaned    prometheus.Counter
}

// NewSchedulerMetrics creates and registers the scheduler collectors.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	f := promauto.With(reg)
	return &SchedulerMetrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_operations_total",
			Help:      "Trigger store operations by result",
		}, []string{"op", "result"}),
		Pulled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_triggers_pulled_total",
			Help:      "Triggers claimed by pull",
		}, []string{"module"}),
		Reclaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_triggers_reclaimed_total",
			Help:      "Triggers returned to waiting after their lease expired",
		}),
		Cleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_triggers_cleaned_total",
			Help:      "Triggers purged as completed or out of retries",
		}),
	}
}

// Observe counts one operation.
func (sm *SchedulerMetrics) Observe(op string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	sm.Operations.WithLabelValues(op, result).Inc()
}

// BatchMetrics tracks the batch update pipeline.
type BatchMetrics struct {
	Flushes        *prometheus.CounterVec // by reason
	FlushedItems   prometheus.Counter
	Fallbacks      prometheus.Counter
	FailedItems    prometheus.Counter
	Replicated     prometheus.Counter
	ReplicaFailure prometheus.Counter
	Received       *prometheus.CounterVec // by kind, trigger or status
}

// NewBatchMetrics creates and registers the batch pipeline collectors.
func NewBatchMetrics(reg prometheus.Registerer) *BatchMetrics {
	f := promauto.With(reg)
	return &BatchMetrics{
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushes_total",
			Help:      "Batch flushes by reason",
		}, []string{"reason"}),
		FlushedItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_flushed_items_total",
			Help:      "Coalesced updates written",
		}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_fallbacks_total",
			Help:      "Bulk writes which fell back to one write per item",
		}),
		FailedItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failed_items_total",
			Help:      "Updates which could not be written",
		}),
		Replicated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_replicated_messages_total",
			Help:      "Replication messages published to peers",
		}),
		ReplicaFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_replication_failures_total",
			Help:      "Replication messages which could not be published",
		}),
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_received_events_total",
			Help:      "Replicated trigger changes received from peers",
		}, []string{"kind"}),
	}
}
