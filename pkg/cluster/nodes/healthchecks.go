package nodes

import (
	"fmt"

	"github.com/clustercore/clustercore/pkg/healthcheck"
)

// HealthChecks reports if this node is a member of the cluster.
func (c *Cluster) HealthChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{c.membershipCheck}
}

// DeepChecks reports if this node can publish its entry to the coordinator.  The check reads the
// outcome of the last heartbeat and never calls the coordinator itself.
func (c *Cluster) DeepChecks() []healthcheck.HealthcheckFunc {
	return []healthcheck.HealthcheckFunc{c.coordinatorCheck}
}

func (c *Cluster) membershipCheck() (string, healthcheck.HealthyStatus) {
	if c.IsOffline() {
		return "node has left the cluster", healthcheck.Unhealthy
	}
	return fmt.Sprintf("node is a member, %d nodes known", c.registry.Len()), healthcheck.Healthy
}

func (c *Cluster) coordinatorCheck() (string, healthcheck.HealthyStatus) {
	if failures := c.publishFailures.Load(); failures > 0 {
		return fmt.Sprintf("coordinator: %d consecutive publish failures", failures), healthcheck.Unhealthy
	}
	return "coordinator: ok", healthcheck.Healthy
}
