package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/healthcheck"
)

type unreachableCoordinator struct {
	coordinator.Coordinator
}

func (unreachableCoordinator) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return clustercore.ErrCoordinatorUnavailable
}

func TestClusterHealthChecks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newTestCluster(t, coordinator.NewMemory(), testNode("u-a", "a", clustercore.RoleAll), nil)

	healthChecks, deepChecks := healthcheck.MaybeAppendHealthChecks(nil, nil, c)
	require.Len(t, healthChecks, 1)
	require.Len(t, deepChecks, 1)

	require.NoError(t, c.Register(ctx))
	_, status := healthChecks[0]()
	require.Equal(t, healthcheck.Healthy, status)
	_, status = deepChecks[0]()
	require.Equal(t, healthcheck.Healthy, status)

	require.NoError(t, c.Leave(ctx))
	_, status = healthChecks[0]()
	require.Equal(t, healthcheck.Unhealthy, status)
}

func TestClusterDeepCheckReportsPublishFailures(t *testing.T) {
	t.Parallel()
	c := newTestCluster(t, unreachableCoordinator{coordinator.NewMemory()}, testNode("u-a", "a", clustercore.RoleAll), nil)

	require.Error(t, c.Register(context.Background()))
	require.Error(t, c.Register(context.Background()))
	report, status := c.DeepChecks()[0]()
	require.Equal(t, healthcheck.Unhealthy, status)
	require.Contains(t, report, "2 consecutive")
}
