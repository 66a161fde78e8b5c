package web

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/cluster/nodes"
	"github.com/clustercore/clustercore/pkg/healthcheck"
	"github.com/clustercore/clustercore/pkg/util"
)

type httpServer struct {
	logger  logrus.FieldLogger
	address string
	Router  *mux.Router // should be private, but project layout is not great.
}

type route struct {
	path    string
	handler http.HandlerFunc
	method  string
	name    string
}

var done = struct{}{}

// Options selects the routes served by the web server.
type Options struct {
	EnableProf        bool
	EnableExpVar      bool
	EnableMetrics     bool
	EnableHealthcheck bool
	EnableAPI         bool
}

// Dependencies are the components the routes are served from.  Any of them may be nil, which
// disables the routes depending on it.
type Dependencies struct {
	Cluster      *nodes.Cluster
	Triggers     TriggerReader
	Gatherer     prometheus.Gatherer
	HealthChecks []healthcheck.HealthcheckFunc
	DeepChecks   []healthcheck.HealthcheckFunc
}

// NewHttpServerFromViper creates the web server from the web sub-configuration.
func NewHttpServerFromViper(v *viper.Viper, logger logrus.FieldLogger, deps Dependencies) (*httpServer, error) {
	v.SetDefault(clustercore.ParamWebAddr, clustercore.DefaultWebAddr)
	vSub := util.GetSubViper(v, "web")
	vSub.SetDefault("enable-prof", false)
	vSub.SetDefault("enable-expvar", false)
	vSub.SetDefault("enable-metrics", true)
	vSub.SetDefault("enable-healthcheck", true)
	vSub.SetDefault("enable-api", true)

	return NewHttpServer(
		logger.WithField("http-server", "web"),
		v.GetString(clustercore.ParamWebAddr),
		Options{
			EnableProf:        vSub.GetBool("enable-prof"),
			EnableExpVar:      vSub.GetBool("enable-expvar"),
			EnableMetrics:     vSub.GetBool("enable-metrics"),
			EnableHealthcheck: vSub.GetBool("enable-healthcheck"),
			EnableAPI:         vSub.GetBool("enable-api"),
		},
		deps,
	)
}

// NewHttpServer creates a web server listening on address.  /healthz is always served, it is the
// target of the peer probes.
func NewHttpServer(logger logrus.FieldLogger, address string, opts Options, deps Dependencies) (*httpServer, error) {
	server := &httpServer{
		logger:  logger,
		address: address,
	}

	lv := &liveness{cluster: deps.Cluster}
	routes := []route{
		{path: "/healthz", handler: lv.healthz, method: "GET", name: "healthz_get"},
	}

	if opts.EnableProf {
		profiler := &profiler{logger: logger}
		routes = append(routes,
			route{path: "/memprof", handler: profiler.MemProf, method: "POST", name: "profmem_post"},
			route{path: "/pprof", handler: profiler.PProf, method: "POST", name: "profpprof_post"},
			route{path: "/trace", handler: profiler.Trace, method: "POST", name: "proftrace_post"},
		)
	}

	if opts.EnableExpVar {
		routes = append(routes,
			route{path: "/expvar", handler: expvar.Handler().ServeHTTP, method: "GET", name: "expvar_get"},
		)
	}

	if opts.EnableMetrics && deps.Gatherer != nil {
		handler := promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{ErrorLog: logger})
		routes = append(routes,
			route{path: "/metrics", handler: handler.ServeHTTP, method: "GET", name: "metrics_get"},
		)
	}

	if opts.EnableHealthcheck {
		hc := &healthChecker{
			logger:       logger,
			healthChecks: deps.HealthChecks,
			deepChecks:   deps.DeepChecks,
		}
		routes = append(routes,
			route{path: "/healthcheck", handler: hc.healthCheck, method: "GET", name: "healthcheck_get"},
			route{path: "/deepcheck", handler: hc.deepCheck, method: "GET", name: "deepcheck_get"},
		)
	}

	if opts.EnableAPI {
		a := &api{logger: logger, cluster: deps.Cluster, triggers: deps.Triggers}
		if deps.Cluster != nil {
			routes = append(routes,
				route{path: "/v1/nodes", handler: a.listNodes, method: "GET", name: "nodes_get"},
				route{path: "/v1/nodes/{uuid}", handler: a.getNode, method: "GET", name: "node_get"},
				route{path: "/v1/rings", handler: a.ringSizes, method: "GET", name: "rings_get"},
				route{path: "/v1/rings/{role}", handler: a.lookupOwner, method: "GET", name: "ring_lookup_get"},
			)
		}
		if deps.Triggers != nil {
			routes = append(routes,
				route{path: "/v1/triggers/{org}", handler: a.listTriggers, method: "GET", name: "triggers_get"},
				route{path: "/v1/triggers/{org}/{module}/{key}", handler: a.getTrigger, method: "GET", name: "trigger_get"},
			)
		}
	}

	router, err := createRoutes(routes)
	if err != nil {
		return nil, err
	}
	router.NotFoundHandler = server.logRequest(http.HandlerFunc(server.notFound))
	router.Use(server.logRequest)
	server.Router = router

	logger.WithFields(logrus.Fields{
		"address":            address,
		"enable-pprof":       opts.EnableProf,
		"enable-expvar":      opts.EnableExpVar,
		"enable-metrics":     opts.EnableMetrics,
		"enable-healthcheck": opts.EnableHealthcheck,
		"enable-api":         opts.EnableAPI,
	}).Info("Created server")

	return server, nil
}

func (hs *httpServer) notFound(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(404)
	_, _ = w.Write([]byte("not found"))
}

func createRoutes(routes []route) (*mux.Router, error) {
	router := mux.NewRouter()

	for _, route := range routes {
		r := router.HandleFunc(route.path, route.handler).Methods(route.method).Name(route.name)
		if err := r.GetError(); err != nil {
			return nil, fmt.Errorf("error creating route %s: %v", route.name, err)
		}
	}

	return router, nil
}

func (hs *httpServer) logRequest(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logFields := logrus.Fields{
			"srcip": strings.Split(req.RemoteAddr, ":")[0],
			"path":  req.URL.Path,
		}
		if route := mux.CurrentRoute(req); route == nil {
			logFields["method"] = req.Method
		} else {
			logFields["route"] = route.GetName()
		}
		if source := req.Header.Get("X-Forwarded-For"); source != "" {
			logFields["forwarded_for"] = source
		}

		start := time.Now()
		handler.ServeHTTP(w, req)
		dur := time.Since(start)

		logFields["duration"] = float64(dur) / float64(time.Millisecond)
		hs.logger.WithFields(logFields).Debug("request")
	})
}

func (hs *httpServer) Run(ctx context.Context) {
	server := &http.Server{
		Addr:              hs.address,
		Handler:           hs.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	chStopped := make(chan struct{}, 1)
	go hs.waitAndStop(ctx, server, chStopped)

	hs.logger.WithField("address", server.Addr).Info("listening")

	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		hs.logger.WithError(err).Error("web server failed")
		return
	}

	// Wait for graceful shutdown of existing connections

	select {
	case <-chStopped:
		// happy
	case <-time.After(6 * time.Second):
		hs.logger.Info("timeout waiting for webserver to stop")
	}
}

// waitAndStop will gracefully shut down the Server when the Context passed is cancelled.  It signals
// on chStopped when it is done.  There is no guarantee that it will actually signal, if the server
// does not shutdown.
func (hs *httpServer) waitAndStop(ctx context.Context, server *http.Server, chStopped chan<- struct{}) {
	<-ctx.Done()

	hs.logger.Info("shutting down web server")
	timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(timeoutCtx)
	if err != nil {
		hs.logger.WithError(err).Warn("failed to stop web server")
	}
	chStopped <- done
}
