package web_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ash2k/stager/wait"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/internal/fixtures"
	"github.com/clustercore/clustercore/pkg/cluster/nodes"
	"github.com/clustercore/clustercore/pkg/coordinator"
	"github.com/clustercore/clustercore/pkg/healthcheck"
	"github.com/clustercore/clustercore/pkg/stats"
	"github.com/clustercore/clustercore/pkg/util"
	"github.com/clustercore/clustercore/pkg/web"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var allRoutes = web.Options{
	EnableMetrics:     true,
	EnableHealthcheck: true,
	EnableAPI:         true,
}

func testNode(id, name string, group clustercore.RoleGroup, roles ...clustercore.Role) *clustercore.Node {
	return &clustercore.Node{
		UUID:      id,
		Name:      name,
		HTTPAddr:  name + ":5080",
		Roles:     roles,
		RoleGroup: group,
		Status:    clustercore.NodeOnline,
	}
}

// newTestCluster returns a cluster whose registry holds peers, synced from a memory coordinator.
func newTestCluster(t *testing.T, ctx context.Context, reg prometheus.Registerer, self *clustercore.Node, peers ...*clustercore.Node) *nodes.Cluster {
	coord := coordinator.NewMemory()
	for _, n := range peers {
		value, err := json.Marshal(n)
		require.NoError(t, err)
		require.NoError(t, coord.Put(ctx, nodes.NodesPrefix+n.UUID, value, 0))
	}
	config := nodes.Config{VNodes: 50, HeartbeatInterval: time.Second}
	c := nodes.NewCluster(fixtures.NewTestLogger(t), coord, self, config, nil, nil, stats.NewClusterMetrics(reg), util.RetryPolicy{})

	ctxWatch, cancel := context.WithCancel(ctx)
	var wg wait.Group
	wg.StartWithContext(ctxWatch, c.WatchNodeList)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	require.Eventually(t, func() bool { return c.Registry().Len() == len(peers) }, time.Second, time.Millisecond)
	return c
}

func get(t *testing.T, router http.Handler, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHttpServerShutsdown(t *testing.T) {
	t.Parallel()
	testCtx, completed := fixtures.TestContext(t, 5*time.Second)
	defer completed()

	hs, err := web.NewHttpServer(
		logrus.StandardLogger(),
		"127.0.0.1:0", // should pick a random port to bind to
		web.Options{EnableHealthcheck: true},
		web.Dependencies{},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(testCtx)
	chDone := make(chan struct{}, 1)
	go func() {
		hs.Run(ctx)
		chDone <- struct{}{}
	}()

	cancel()
	select {
	case <-testCtx.Done():
	case <-chDone:
	}
}

func TestHealthzFollowsMembership(t *testing.T) {
	t.Parallel()
	ctx, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	self := testNode("u-a", "a", clustercore.RoleGroupNone, clustercore.RoleAll)
	c := newTestCluster(t, ctx, prometheus.NewRegistry(), self, self)

	hs, err := web.NewHttpServer(fixtures.NewTestLogger(t), "127.0.0.1:0", web.Options{}, web.Dependencies{Cluster: c})
	require.NoError(t, err)

	rec := get(t, hs.Router, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, c.Leave(ctx))
	rec = get(t, hs.Router, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, hs.Router, "/v1/nodes")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthcheckRoutes(t *testing.T) {
	t.Parallel()
	good := func() (string, healthcheck.HealthyStatus) { return "fine", healthcheck.Healthy }
	bad := func() (string, healthcheck.HealthyStatus) { return "broken", healthcheck.Unhealthy }
	hs, err := web.NewHttpServer(fixtures.NewTestLogger(t), "127.0.0.1:0", allRoutes, web.Dependencies{
		HealthChecks: []healthcheck.HealthcheckFunc{good},
		DeepChecks:   []healthcheck.HealthcheckFunc{good, bad},
	})
	require.NoError(t, err)

	rec := get(t, hs.Router, "/healthcheck")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":["fine"],"failed":[]}`, rec.Body.String())

	rec = get(t, hs.Router, "/deepcheck")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"ok":["fine"],"failed":["broken"]}`, rec.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	ctx, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	reg := prometheus.NewRegistry()
	self := testNode("u-a", "a", clustercore.RoleGroupNone, clustercore.RoleAll)
	c := newTestCluster(t, ctx, reg, self, self)
	require.NoError(t, c.Register(ctx))

	hs, err := web.NewHttpServer(fixtures.NewTestLogger(t), "127.0.0.1:0", allRoutes, web.Dependencies{Cluster: c, Gatherer: reg})
	require.NoError(t, err)

	rec := get(t, hs.Router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "clustercore_node_up 1")
}

func TestNodesAndRings(t *testing.T) {
	t.Parallel()
	ctx, cancel := fixtures.TestContext(t, 2*time.Second)
	defer cancel()
	self := testNode("u-a", "a", clustercore.RoleGroupInteractive, clustercore.RoleQuerier)
	background := testNode("u-b", "b", clustercore.RoleGroupBackground, clustercore.RoleQuerier)
	compactor := testNode("u-c", "c", clustercore.RoleGroupNone, clustercore.RoleCompactor)
	c := newTestCluster(t, ctx, prometheus.NewRegistry(), self, self, background, compactor)

	hs, err := web.NewHttpServer(fixtures.NewTestLogger(t), "127.0.0.1:0", allRoutes, web.Dependencies{Cluster: c})
	require.NoError(t, err)

	rec := get(t, hs.Router, "/v1/nodes")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*clustercore.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{list[0].Name, list[1].Name, list[2].Name})

	rec = get(t, hs.Router, "/v1/nodes/u-c")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = get(t, hs.Router, "/v1/nodes/u-z")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, hs.Router, "/v1/rings")
	require.Equal(t, http.StatusOK, rec.Code)
	var sizes map[nodes.RingName]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sizes))
	require.Equal(t, 1, sizes[nodes.RingQuerierInteractive])
	require.Equal(t, 1, sizes[nodes.RingQuerierBackground])
	require.Equal(t, 1, sizes[nodes.RingCompactor])
	require.Equal(t, 0, sizes[nodes.RingFlattenCompactor])

	lookup := func(url string) web.OwnerResponse {
		rec := get(t, hs.Router, url)
		require.Equal(t, http.StatusOK, rec.Code, url)
		var owner web.OwnerResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &owner))
		return owner
	}
	owner := lookup("/v1/rings/querier?key=stream1&group=background")
	require.Equal(t, "u-b", owner.Owner.UUID)
	require.Equal(t, nodes.RingQuerierBackground, owner.Ring)
	require.False(t, owner.Self)

	// No group resolves on the interactive ring.
	owner = lookup("/v1/rings/querier?key=stream1")
	require.Equal(t, "u-a", owner.Owner.UUID)
	require.True(t, owner.Self)

	owner = lookup("/v1/rings/compactor?key=stream1")
	require.Equal(t, "u-c", owner.Owner.UUID)

	for url, code := range map[string]int{
		"/v1/rings/router?key=k":                   http.StatusBadRequest,
		"/v1/rings/nope?key=k":                     http.StatusBadRequest,
		"/v1/rings/querier":                        http.StatusBadRequest,
		"/v1/rings/querier?key=k&group=nope":       http.StatusBadRequest,
		"/v1/rings/flatten_compactor?key=k":        http.StatusServiceUnavailable,
		"/v1/rings/compactor?key=k&group=whatever": http.StatusBadRequest,
	} {
		require.Equal(t, code, get(t, hs.Router, url).Code, url)
	}
}

type staticTriggers map[clustercore.TriggerKey]*clustercore.Trigger

func (st staticTriggers) ListByOrg(ctx context.Context, org string, module *clustercore.Module) ([]*clustercore.Trigger, error) {
	var list []*clustercore.Trigger
	for k, tr := range st {
		if k.Org == org && (module == nil || k.Module == *module) {
			list = append(list, tr)
		}
	}
	return list, nil
}

func (st staticTriggers) Get(ctx context.Context, key clustercore.TriggerKey) (*clustercore.Trigger, error) {
	tr, ok := st[key]
	if !ok {
		return nil, clustercore.ErrKeyNotExists
	}
	return tr, nil
}

func TestTriggerRoutes(t *testing.T) {
	t.Parallel()
	alert := &clustercore.Trigger{ID: 1, Org: "o1", Module: clustercore.ModuleAlert, ModuleKey: "cpu"}
	report := &clustercore.Trigger{ID: 2, Org: "o1", Module: clustercore.ModuleReport, ModuleKey: "daily"}
	triggers := staticTriggers{alert.Key(): alert, report.Key(): report}
	hs, err := web.NewHttpServer(fixtures.NewTestLogger(t), "127.0.0.1:0", allRoutes, web.Dependencies{Triggers: triggers})
	require.NoError(t, err)

	var list []*clustercore.Trigger
	rec := get(t, hs.Router, "/v1/triggers/o1?module=alert")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, []*clustercore.Trigger{alert}, list)

	rec = get(t, hs.Router, "/v1/triggers/o2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = get(t, hs.Router, "/v1/triggers/o1?module=nope")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, hs.Router, "/v1/triggers/o1/report/daily")
	require.Equal(t, http.StatusOK, rec.Code)
	var got clustercore.Trigger
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, *report, got)

	rec = get(t, hs.Router, "/v1/triggers/o1/report/weekly")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The cluster routes are not served without a cluster.
	rec = get(t, hs.Router, "/v1/nodes")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfilerRoutes(t *testing.T) {
	t.Parallel()
	hs, err := web.NewHttpServer(fixtures.NewTestLogger(t), "127.0.0.1:0", web.Options{EnableProf: true}, web.Dependencies{})
	require.NoError(t, err)

	for _, url := range []string{"/pprof?seconds=abc", "/pprof?seconds=0", "/trace?seconds=3600"} {
		req := httptest.NewRequest(http.MethodPost, url, nil)
		rec := httptest.NewRecorder()
		hs.Router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, url)
	}

	// A client going away ends the trace early.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/trace?seconds=60", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	hs.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotZero(t, rec.Body.Len())
}
