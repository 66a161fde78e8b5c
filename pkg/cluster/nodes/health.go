package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
	"golang.org/x/sync/errgroup"

	"github.com/clustercore/clustercore"
)

// maxConcurrentProbes bounds the number of probes in flight during one round.
const maxConcurrentProbes = 16

// Prober checks the liveness of a node.
type Prober interface {
	Probe(ctx context.Context, n *clustercore.Node) error
}

// HTTPProber probes GET http://<http_addr>/healthz and expects a 2xx response.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober sending requests with client, http.DefaultClient if nil.  Each
// probe is bounded by its context.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProber{client: client}
}

func (hp *HTTPProber) Probe(ctx context.Context, n *clustercore.Node) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+n.HTTPAddr+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := hp.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// CheckNodesStatus probes every online node except this one.  A failed probe increments the failure
// counter of the node, and the node is evicted once the counter reaches the threshold.  A successful
// probe resets the counter.
//
// An online node without a counter never completed its join, it is reported and not probed.  The
// returned error wraps clustercore.ErrInvariantViolation if any such node was found.
func (c *Cluster) CheckNodesStatus(ctx context.Context, prober Prober) error {
	clck := clock.FromContext(ctx)

	var violations []error
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)

	selfUUID := c.Self().UUID
	for _, n := range c.registry.ListOnline() {
		if n.UUID == selfUUID {
			continue
		}
		if !c.hasFailureCounter(n.UUID) {
			err := fmt.Errorf("%w: node %s (%s) is online without a health counter", clustercore.ErrInvariantViolation, n.Name, n.UUID)
			c.logger.WithError(err).Error("Skipping health check")
			violations = append(violations, err)
			continue
		}
		n := n
		g.Go(func() error {
			probeCtx, cancel := clck.TimeoutContext(ctx, c.config.HealthCheckTimeout)
			err := prober.Probe(probeCtx, n)
			cancel()
			c.recordProbe(n, err)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(violations...)
}

func (c *Cluster) hasFailureCounter(id string) bool {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()
	_, ok := c.failures[id]
	return ok
}

func (c *Cluster) recordProbe(n *clustercore.Node, probeErr error) {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	count, ok := c.failures[n.UUID]
	if !ok {
		return // left while the probe was in flight
	}
	logger := c.logger.WithFields(logrus.Fields{
		"node": n.Name,
		"uuid": n.UUID,
	})
	if probeErr == nil {
		if count > 0 {
			logger.WithField("failures", count).Info("Node recovered")
		}
		c.failures[n.UUID] = 0
		return
	}

	count++
	c.metrics.ProbeFailures.Inc()
	if count >= c.config.HealthCheckFailedTimes {
		logger.WithError(probeErr).WithField("failures", count).Error("Evicting node after failed health checks")
		c.metrics.Evictions.Inc()
		c.leaveLocked(n.UUID)
		return
	}
	logger.WithError(probeErr).WithField("failures", count).Warn("Node health check failed")
	c.failures[n.UUID] = count
}

// RunHealthCheck probes the cluster every HealthCheckInterval until the context is done.
func (c *Cluster) RunHealthCheck(ctx context.Context) {
	if !c.config.HealthCheckEnabled {
		return
	}
	ticker := clock.NewTicker(ctx, c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsOffline() {
				return
			}
			_ = c.CheckNodesStatus(ctx, c.prober)
		}
	}
}
