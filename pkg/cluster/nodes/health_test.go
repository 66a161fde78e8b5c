package nodes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustercore/clustercore"
)

func TestHTTPProber(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	n := &clustercore.Node{Name: "a", HTTPAddr: strings.TrimPrefix(srv.URL, "http://")}
	prober := NewHTTPProber(srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, prober.Probe(ctx, n))

	healthy.Store(false)
	require.Error(t, prober.Probe(ctx, n))
}

func TestHTTPProberUnreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, NewHTTPProber(nil).Probe(ctx, &clustercore.Node{HTTPAddr: addr}))
}

func TestCountTCPStates(t *testing.T) {
	t.Parallel()
	const procNetTCP = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:13C4 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 1 1 0000000000000000 100 0 0 10 0
   1: 0100007F:13C4 0100007F:D2F0 01 00000000:00000000 00:00000000 00000000  1000        0 2 1 0000000000000000 20 4 30 10 -1
   2: 0100007F:D2F0 0100007F:13C4 01 00000000:00000000 00:00000000 00000000  1000        0 3 1 0000000000000000 20 4 30 10 -1
   3: 0100007F:D2F2 0100007F:13C4 06 00000000:00000000 03:00001234 00000000     0        0 0 3 0000000000000000
   4: 0100007F:D2F4 0100007F:13C4 08 00000000:00000000 00:00000000 00000000  1000        0 4 1 0000000000000000 20 4 30 10 -1
`
	var m clustercore.NodeMetrics
	require.NoError(t, countTCPStates(strings.NewReader(procNetTCP), &m))
	require.Equal(t, clustercore.NodeMetrics{
		TCPConns:       5,
		TCPConnsEstab:  2,
		TCPConnsWait:   1,
		TCPConnsClose:  1,
		TCPConnsListen: 1,
	}, m)
}
