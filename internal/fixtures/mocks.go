package fixtures

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clustercore/clustercore"
)

// MockProber implements nodes.Prober from github.com/clustercore/clustercore/pkg/cluster/nodes
type MockProber struct {
	TB testing.TB

	FnProbe func(ctx context.Context, n *clustercore.Node) error
}

func (m *MockProber) Probe(ctx context.Context, n *clustercore.Node) error {
	if m.FnProbe != nil {
		return m.FnProbe(ctx, n)
	}
	assert.Fail(m.TB, "Prober.Probe must not be called")
	return nil
}

// MockMetricsCollector implements nodes.MetricsCollector.
type MockMetricsCollector struct {
	TB testing.TB

	FnCollect func(ctx context.Context) (clustercore.NodeMetrics, error)
}

func (m *MockMetricsCollector) Collect(ctx context.Context) (clustercore.NodeMetrics, error) {
	if m.FnCollect != nil {
		return m.FnCollect(ctx)
	}
	assert.Fail(m.TB, "MetricsCollector.Collect must not be called")
	return clustercore.NodeMetrics{}, nil
}
