// Package nodes tracks cluster membership and assigns keys to nodes.
//
// Membership is handled with three parts:
//   - Registry caches every node published under /nodes/ in the coordinator.
//   - Rings maps keys to node names, one consistent hash ring per role and querier group.
//   - Cluster owns both, keeps them in sync with the coordinator watch, and evicts nodes which
//     stop answering health checks.
//
// A process does not have to register itself to track membership, cmd/cluster observes the rings
// without joining.
package nodes

import (
	"fmt"
	"net"
)

// advertiseTarget is only dialed over UDP to pick the outbound interface, no packet is sent.
const advertiseTarget = "1.1.1.1:1"

// LocalAddress returns the local IP address that would be used to connect to target.  Useful to
// get the address that should be advertised to other nodes.
func LocalAddress(target string) (net.IP, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, err
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	_ = conn.Close()
	return localAddr.IP, nil
}

// advertisedAddr fills in the host of addr when it is empty or unspecified, so peers can reach
// ":5080" style listen addresses.
func advertisedAddr(addr, target string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("address %q: %w", addr, err)
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return addr, nil
		}
	}
	ip, err := LocalAddress(target)
	if err != nil {
		return "", fmt.Errorf("address %q has no host and the local address is unknown: %w", addr, err)
	}
	return net.JoinHostPort(ip.String(), port), nil
}
