package web

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/clustercore/clustercore/pkg/cluster/nodes"
	"github.com/clustercore/clustercore/pkg/healthcheck"
)

type healthChecker struct {
	logger       logrus.FieldLogger
	healthChecks []healthcheck.HealthcheckFunc
	deepChecks   []healthcheck.HealthcheckFunc
}

func respondToHealthChecks(resp http.ResponseWriter, checks []healthcheck.HealthcheckFunc) {
	report := healthcheck.Run(checks)
	resp.Header().Set("content-type", "application/json")
	if report.Healthy() {
		resp.WriteHeader(http.StatusOK)
	} else {
		resp.WriteHeader(http.StatusInternalServerError)
	}
	_ = jsoniter.NewEncoder(resp).Encode(report)
}

// healthCheck reports if the server is ready to process traffic.
func (hc *healthChecker) healthCheck(resp http.ResponseWriter, req *http.Request) {
	hc.logger.Debug("healthCheck")
	respondToHealthChecks(resp, hc.healthChecks)
}

// deepCheck reports on the status of downstream dependencies.
func (hc *healthChecker) deepCheck(resp http.ResponseWriter, req *http.Request) {
	hc.logger.Debug("deepCheck")
	respondToHealthChecks(resp, hc.deepChecks)
}

// liveness answers the peer probes.  A node which left the cluster reports itself unavailable so
// peers stop counting it as healthy.
type liveness struct {
	cluster *nodes.Cluster
}

func (lv *liveness) healthz(resp http.ResponseWriter, req *http.Request) {
	if lv.cluster != nil && lv.cluster.IsOffline() {
		resp.WriteHeader(http.StatusServiceUnavailable)
		_, _ = resp.Write([]byte("offline"))
		return
	}
	resp.WriteHeader(http.StatusOK)
	_, _ = resp.Write([]byte("ok"))
}
