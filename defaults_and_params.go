package clustercore

import (
	"time"

	"github.com/spf13/pflag"
)

const (
	// DefaultCoordinator is the default coordinator backend.
	DefaultCoordinator = "memory"
	// DefaultCoordinatorPrefix is the default prefix of every key written to the coordinator.
	DefaultCoordinatorPrefix = "/clustercore"
	// DefaultRedisAddr is the default address of the redis coordinator.
	DefaultRedisAddr = "127.0.0.1:6379"
	// DefaultEtcdEndpoints is the default endpoint list of the etcd coordinator.
	DefaultEtcdEndpoints = "127.0.0.1:2379"
	// DefaultNodeHeartbeatInterval is how often a node re-publishes itself with fresh metrics.
	DefaultNodeHeartbeatInterval = 10 * time.Second
	// DefaultNodeTTL is how long a node entry survives in the coordinator without a heartbeat.
	DefaultNodeTTL = 30 * time.Second
	// DefaultGrpcAddr is the default advertised gRPC address.
	DefaultGrpcAddr = "127.0.0.1:5081"
	// DefaultHTTPAddr is the default advertised HTTP address, also the probe target.
	DefaultHTTPAddr = "127.0.0.1:5080"
	// DefaultWebAddr is the default listen address of the web server.
	DefaultWebAddr = ":5080"
	// DefaultConsistentHashVNodes is the default number of virtual points per node per ring.
	DefaultConsistentHashVNodes = 1000
	// DefaultHealthCheckEnabled enables active probing by default.
	DefaultHealthCheckEnabled = true
	// DefaultHealthCheckInterval is the default interval between probe rounds.
	DefaultHealthCheckInterval = 10 * time.Second
	// DefaultHealthCheckTimeout is the default timeout of a single probe.
	DefaultHealthCheckTimeout = 5 * time.Second
	// DefaultHealthCheckFailedTimes is the default number of consecutive failures before eviction.
	DefaultHealthCheckFailedTimes = 3
	// DefaultSchedulerDBDriver is the default relational store driver.
	DefaultSchedulerDBDriver = "sqlite"
	// DefaultSchedulerDBDSN is the default relational store DSN.
	DefaultSchedulerDBDSN = "file:clustercore.db?_busy_timeout=5000&_journal_mode=WAL"
	// DefaultSchedulerAlertTimeout is the default lease of a claimed alert trigger.
	DefaultSchedulerAlertTimeout = 10 * time.Minute
	// DefaultSchedulerReportTimeout is the default lease of any other claimed trigger.
	DefaultSchedulerReportTimeout = 5 * time.Minute
	// DefaultSchedulerTriggerPrefix is the default coordinator prefix of realtime alert notifications.
	DefaultSchedulerTriggerPrefix = "/triggers/"
	// DefaultSchedulerLockWait is the default wait budget for the pull advisory lock.
	DefaultSchedulerLockWait = 10 * time.Second
	// DefaultJobRunTimeout is the default maximum duration of a single job execution.
	DefaultJobRunTimeout = 5 * time.Minute
	// DefaultSchedulerMaxRetries is the default retry ceiling after which triggers are purged.
	DefaultSchedulerMaxRetries = 3
	// DefaultSchedulerMaxRetriesInclusive makes the ceiling inclusive (retries >= max) by default.
	DefaultSchedulerMaxRetriesInclusive = true
	// DefaultSchedulerPullInterval is the default interval between pulls of the job runner.
	DefaultSchedulerPullInterval = 1 * time.Second
	// DefaultSchedulerPullConcurrency is the default maximum of concurrently running jobs.
	DefaultSchedulerPullConcurrency = 10
	// DefaultSchedulerDispatchRate is the default maximum jobs started per second, 0 is unlimited.
	DefaultSchedulerDispatchRate = 0.0
	// DefaultSchedulerWatchTimeoutInterval is the default interval of the lease-expiry sweep.
	DefaultSchedulerWatchTimeoutInterval = 10 * time.Second
	// DefaultSchedulerCleanInterval is the default interval of the completed trigger purge.
	DefaultSchedulerCleanInterval = 1 * time.Hour
	// DefaultBatchMaxSize is the default number of distinct keys which forces a batch flush.
	DefaultBatchMaxSize = 100
	// DefaultBatchMaxWait is the default age of a batch which forces a flush.
	DefaultBatchMaxWait = 500 * time.Millisecond
	// DefaultBatchMaxEventPayloadSize is the default maximum size in bytes of one replication message.
	DefaultBatchMaxEventPayloadSize = 256 * 1024
)

// DefaultNodeRoles is the default list of node roles.
var DefaultNodeRoles = []string{string(RoleAll)}

const (
	// ParamNodeName is the name of parameter with the stable logical name of this node.
	ParamNodeName = "node-name"
	// ParamNodeRoles is the name of parameter with the roles of this node.
	ParamNodeRoles = "node-roles"
	// ParamNodeRoleGroup is the name of parameter with the querier role group of this node.
	ParamNodeRoleGroup = "node-role-group"
	// ParamGrpcAddr is the name of parameter with the advertised gRPC address.
	ParamGrpcAddr = "grpc-addr"
	// ParamHTTPAddr is the name of parameter with the advertised HTTP address.
	ParamHTTPAddr = "http-addr"
	// ParamNodeHeartbeatInterval is the name of parameter with the node heartbeat interval.
	ParamNodeHeartbeatInterval = "node-heartbeat-interval"
	// ParamNodeTTL is the name of parameter with the node entry TTL.
	ParamNodeTTL = "node-ttl"
	// ParamCoordinator is the name of parameter with the coordinator backend.
	ParamCoordinator = "coordinator"
	// ParamCoordinatorPrefix is the name of parameter with the coordinator key prefix.
	ParamCoordinatorPrefix = "coordinator-prefix"
	// ParamRedisAddr is the name of parameter with the redis coordinator address.
	ParamRedisAddr = "redis-addr"
	// ParamEtcdEndpoints is the name of parameter with the etcd coordinator endpoints.
	ParamEtcdEndpoints = "etcd-endpoints"
	// ParamWebAddr is the name of parameter with the web server listen address.
	ParamWebAddr = "web-addr"
	// ParamConsistentHashVNodes is the name of parameter with the number of virtual points per node.
	ParamConsistentHashVNodes = "consistent-hash-vnodes"
	// ParamHealthCheckEnabled is the name of parameter enabling active probing.
	ParamHealthCheckEnabled = "health-check-enabled"
	// ParamHealthCheckInterval is the name of parameter with the probe round interval.
	ParamHealthCheckInterval = "health-check-interval"
	// ParamHealthCheckTimeout is the name of parameter with the probe timeout.
	ParamHealthCheckTimeout = "health-check-timeout"
	// ParamHealthCheckFailedTimes is the name of parameter with the eviction threshold.
	ParamHealthCheckFailedTimes = "health-check-failed-times"
	// ParamSchedulerDBDriver is the name of parameter with the relational store driver.
	ParamSchedulerDBDriver = "scheduler-db-driver"
	// ParamSchedulerDBDSN is the name of parameter with the relational store DSN.
	ParamSchedulerDBDSN = "scheduler-db-dsn"
	// ParamSchedulerAlertTimeout is the name of parameter with the alert lease duration.
	ParamSchedulerAlertTimeout = "scheduler-alert-timeout"
	// ParamSchedulerReportTimeout is the name of parameter with the report lease duration.
	ParamSchedulerReportTimeout = "scheduler-report-timeout"
	// ParamSchedulerTriggerPrefix is the name of parameter with the trigger notification prefix.
	ParamSchedulerTriggerPrefix = "scheduler-trigger-prefix"
	// ParamSchedulerLockWait is the name of parameter with the advisory lock wait budget.
	ParamSchedulerLockWait = "scheduler-lock-wait"
	// ParamJobRunTimeout is the name of parameter with the maximum job execution time.
	ParamJobRunTimeout = "job-run-timeout"
	// ParamSchedulerMaxRetries is the name of parameter with the purge retry ceiling.
	ParamSchedulerMaxRetries = "scheduler-max-retries"
	// ParamSchedulerMaxRetriesInclusive is the name of parameter making the ceiling inclusive.
	ParamSchedulerMaxRetriesInclusive = "scheduler-max-retries-inclusive"
	// ParamSchedulerPullInterval is the name of parameter with the job runner pull interval.
	ParamSchedulerPullInterval = "scheduler-pull-interval"
	// ParamSchedulerPullConcurrency is the name of parameter with the job runner concurrency.
	ParamSchedulerPullConcurrency = "scheduler-pull-concurrency"
	// ParamSchedulerDispatchRate is the name of parameter with the job start rate limit.
	ParamSchedulerDispatchRate = "scheduler-dispatch-rate"
	// ParamSchedulerWatchTimeoutInterval is the name of parameter with the lease sweep interval.
	ParamSchedulerWatchTimeoutInterval = "scheduler-watch-timeout-interval"
	// ParamSchedulerCleanInterval is the name of parameter with the purge interval.
	ParamSchedulerCleanInterval = "scheduler-clean-interval"
	// ParamBatchMaxSize is the name of parameter with the batch size flush threshold.
	ParamBatchMaxSize = "batch-max-size"
	// ParamBatchMaxWait is the name of parameter with the batch age flush threshold.
	ParamBatchMaxWait = "batch-max-wait"
	// ParamBatchMaxEventPayloadSize is the name of parameter with the replication message size bound.
	ParamBatchMaxEventPayloadSize = "batch-max-event-payload-size"
)

// AddFlags adds flags to the specified FlagSet.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ParamNodeName, "", "Stable logical name of this node, defaults to the hostname")
	fs.StringSlice(ParamNodeRoles, DefaultNodeRoles, "Roles of this node")
	fs.String(ParamNodeRoleGroup, "", "Querier role group: interactive, background or empty")
	fs.String(ParamGrpcAddr, DefaultGrpcAddr, "Advertised gRPC address, an empty host advertises the outbound interface address")
	fs.String(ParamHTTPAddr, DefaultHTTPAddr, "Advertised HTTP address, also used for health probes; an empty host advertises the outbound interface address")
	fs.Duration(ParamNodeHeartbeatInterval, DefaultNodeHeartbeatInterval, "Node heartbeat interval")
	fs.Duration(ParamNodeTTL, DefaultNodeTTL, "Node entry TTL in the coordinator")
	fs.String(ParamCoordinator, DefaultCoordinator, "Coordinator backend: memory, redis or etcd")
	fs.String(ParamCoordinatorPrefix, DefaultCoordinatorPrefix, "Prefix of the coordinator keys")
	fs.String(ParamRedisAddr, DefaultRedisAddr, "Redis coordinator address")
	fs.StringSlice(ParamEtcdEndpoints, []string{DefaultEtcdEndpoints}, "Etcd coordinator endpoints")
	fs.String(ParamWebAddr, DefaultWebAddr, "Web server listen address")
	fs.Int(ParamConsistentHashVNodes, DefaultConsistentHashVNodes, "Virtual points per node per ring")
	fs.Bool(ParamHealthCheckEnabled, DefaultHealthCheckEnabled, "Enable active node probing")
	fs.Duration(ParamHealthCheckInterval, DefaultHealthCheckInterval, "Interval between probe rounds")
	fs.Duration(ParamHealthCheckTimeout, DefaultHealthCheckTimeout, "Timeout of a single probe")
	fs.Int(ParamHealthCheckFailedTimes, DefaultHealthCheckFailedTimes, "Consecutive probe failures before a node is evicted")
	fs.String(ParamSchedulerDBDriver, DefaultSchedulerDBDriver, "Scheduler store driver: sqlite, mysql or postgres")
	fs.String(ParamSchedulerDBDSN, DefaultSchedulerDBDSN, "Scheduler store DSN")
	fs.Duration(ParamSchedulerAlertTimeout, DefaultSchedulerAlertTimeout, "Lease of a claimed alert trigger")
	fs.Duration(ParamSchedulerReportTimeout, DefaultSchedulerReportTimeout, "Lease of any other claimed trigger")
	fs.String(ParamSchedulerTriggerPrefix, DefaultSchedulerTriggerPrefix, "Coordinator prefix of realtime alert notifications")
	fs.Duration(ParamSchedulerLockWait, DefaultSchedulerLockWait, "Wait budget of the pull advisory lock")
	fs.Duration(ParamJobRunTimeout, DefaultJobRunTimeout, "Maximum duration of a single job execution")
	fs.Int(ParamSchedulerMaxRetries, DefaultSchedulerMaxRetries, "Retry ceiling after which triggers are purged")
	fs.Bool(ParamSchedulerMaxRetriesInclusive, DefaultSchedulerMaxRetriesInclusive, "Purge triggers with retries equal to the ceiling")
	fs.Duration(ParamSchedulerPullInterval, DefaultSchedulerPullInterval, "Interval between pulls of the job runner")
	fs.Int(ParamSchedulerPullConcurrency, DefaultSchedulerPullConcurrency, "Maximum concurrently running jobs")
	fs.Float64(ParamSchedulerDispatchRate, DefaultSchedulerDispatchRate, "Maximum jobs started per second, 0 is unlimited")
	fs.Duration(ParamSchedulerWatchTimeoutInterval, DefaultSchedulerWatchTimeoutInterval, "Interval of the lease expiry sweep")
	fs.Duration(ParamSchedulerCleanInterval, DefaultSchedulerCleanInterval, "Interval of the completed trigger purge")
	fs.Int(ParamBatchMaxSize, DefaultBatchMaxSize, "Distinct trigger updates which force a batch flush")
	fs.Duration(ParamBatchMaxWait, DefaultBatchMaxWait, "Age of a batch which forces a flush")
	fs.Int(ParamBatchMaxEventPayloadSize, DefaultBatchMaxEventPayloadSize, "Maximum size in bytes of a replication message")
}
