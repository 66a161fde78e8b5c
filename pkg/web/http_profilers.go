package web

import (
	"fmt"
	"net/http"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tilinna/clock"
)

const (
	defaultProfileDuration = 30 * time.Second
	maxProfileDuration     = 5 * time.Minute
)

// profiler serves one CPU profile or execution trace at a time, for ?seconds= (30 by default).
type profiler struct {
	logger logrus.FieldLogger
	mutex  sync.Mutex
}

func profileDuration(req *http.Request) (time.Duration, error) {
	s := req.URL.Query().Get("seconds")
	if s == "" {
		return defaultProfileDuration, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("seconds must be a positive integer, got %q", s)
	}
	d := time.Duration(n) * time.Second
	if d > maxProfileDuration {
		return 0, fmt.Errorf("seconds must be at most %d", int(maxProfileDuration/time.Second))
	}
	return d, nil
}

// record runs start, waits for the requested duration or the client to go away, and runs stop.
func (p *profiler) record(w http.ResponseWriter, req *http.Request, kind string, start func() error, stop func()) {
	d, err := profileDuration(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	logger := p.logger.WithFields(logrus.Fields{
		"profile":  kind,
		"duration": d,
	})
	if err := start(); err != nil {
		logger.WithError(err).Warn("Failed to start profile")
		http.Error(w, "failed to start "+kind+": "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer stop()

	logger.Info("Profiling")
	select {
	case <-clock.After(req.Context(), d):
	case <-req.Context().Done():
		logger.Info("Profile cancelled by the client")
	}
}

func (p *profiler) Trace(w http.ResponseWriter, req *http.Request) {
	p.record(w, req, "trace", func() error { return trace.Start(w) }, trace.Stop)
}

func (p *profiler) PProf(w http.ResponseWriter, req *http.Request) {
	p.record(w, req, "cpu", func() error { return pprof.StartCPUProfile(w) }, pprof.StopCPUProfile)
}

func (p *profiler) MemProf(w http.ResponseWriter, req *http.Request) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	runtime.GC()
	if err := pprof.Lookup("heap").WriteTo(w, 0); err != nil {
		p.logger.WithError(err).Warn("Failed to write heap profile")
	}
}
