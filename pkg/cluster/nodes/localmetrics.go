package nodes

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/elastic/gosigar"

	"github.com/clustercore/clustercore"
)

// MetricsCollector samples the resource usage of the local node.
type MetricsCollector interface {
	Collect(ctx context.Context) (clustercore.NodeMetrics, error)
}

// tcp states as encoded in /proc/net/tcp.
const (
	tcpEstablished = "01"
	tcpTimeWait    = "06"
	tcpCloseWait   = "08"
	tcpListen      = "0A"
)

// SystemMetrics collects CPU and memory from the OS, and TCP connection states from procfs.  CPU
// usage is computed between two consecutive calls, the first call reports zero.
type SystemMetrics struct {
	procRoot string

	mu      sync.Mutex
	prevCPU *gosigar.Cpu
}

// NewSystemMetrics returns a collector reading procfs below procRoot, usually "/proc".
func NewSystemMetrics(procRoot string) *SystemMetrics {
	return &SystemMetrics{procRoot: procRoot}
}

func (sm *SystemMetrics) Collect(ctx context.Context) (clustercore.NodeMetrics, error) {
	var m clustercore.NodeMetrics

	cpus := gosigar.CpuList{}
	if err := cpus.Get(); err != nil {
		return m, fmt.Errorf("cpu list: %w", err)
	}
	m.CPUTotal = uint64(len(cpus.List))

	cpu := gosigar.Cpu{}
	if err := cpu.Get(); err != nil {
		return m, fmt.Errorf("cpu: %w", err)
	}
	sm.mu.Lock()
	if sm.prevCPU != nil {
		d := cpu.Delta(*sm.prevCPU)
		if total := d.Total(); total > 0 {
			m.CPUUsage = float64(total-d.Idle-d.Wait) / float64(total) * float64(m.CPUTotal)
		}
	}
	sm.prevCPU = &cpu
	sm.mu.Unlock()

	mem := gosigar.Mem{}
	if err := mem.Get(); err != nil {
		return m, fmt.Errorf("mem: %w", err)
	}
	m.MemoryTotal = mem.Total
	m.MemoryUsage = mem.ActualUsed

	for _, name := range []string{"tcp", "tcp6"} {
		f, err := os.Open(filepath.Join(sm.procRoot, "net", name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return m, err
		}
		err = countTCPStates(f, &m)
		_ = f.Close()
		if err != nil {
			return m, fmt.Errorf("%s: %w", name, err)
		}
	}
	return m, nil
}

// countTCPStates adds the connections listed in a /proc/net/tcp formatted reader to m.
func countTCPStates(r io.Reader, m *clustercore.NodeMetrics) error {
	scanner := bufio.NewScanner(r)
	header := true
	for scanner.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		m.TCPConns++
		switch fields[3] {
		case tcpEstablished:
			m.TCPConnsEstab++
		case tcpTimeWait:
			m.TCPConnsWait++
		case tcpCloseWait:
			m.TCPConnsClose++
		case tcpListen:
			m.TCPConnsListen++
		}
	}
	return scanner.Err()
}
