package clustercore

import (
	"fmt"
	"sort"
	"strings"
)

// Role is a function a node performs in the cluster.
type Role string

const (
	RoleAll              Role = "all"
	RoleIngester         Role = "ingester"
	RoleQuerier          Role = "querier"
	RoleCompactor        Role = "compactor"
	RoleFlattenCompactor Role = "flatten_compactor"
	RoleRouter           Role = "router"
	RoleAlertManager     Role = "alertmanager"
)

var knownRoles = []Role{
	RoleAll,
	RoleIngester,
	RoleQuerier,
	RoleCompactor,
	RoleFlattenCompactor,
	RoleRouter,
	RoleAlertManager,
}

// ParseRole parses a role name, case insensitive.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range knownRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// ParseRoles parses a list of role names.
func ParseRoles(ss []string) ([]Role, error) {
	roles := make([]Role, 0, len(ss))
	for _, s := range ss {
		r, err := ParseRole(s)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// RoleGroup partitions queriers between interactive and background traffic.
type RoleGroup string

const (
	RoleGroupNone        RoleGroup = ""
	RoleGroupInteractive RoleGroup = "interactive"
	RoleGroupBackground  RoleGroup = "background"
)

// ParseRoleGroup parses a role group name.  An empty string is RoleGroupNone.
func ParseRoleGroup(s string) (RoleGroup, error) {
	switch g := RoleGroup(strings.ToLower(strings.TrimSpace(s))); g {
	case RoleGroupNone, RoleGroupInteractive, RoleGroupBackground:
		return g, nil
	case "none":
		return RoleGroupNone, nil
	default:
		return "", fmt.Errorf("unknown role group %q", s)
	}
}

// NodeStatus is the liveness a node advertises about itself.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// NodeMetrics is a snapshot of resource usage published by a node with each heartbeat.
type NodeMetrics struct {
	CPUTotal       uint64  `json:"cpu_total"`
	CPUUsage       float64 `json:"cpu_usage"`
	MemoryTotal    uint64  `json:"memory_total"`
	MemoryUsage    uint64  `json:"memory_usage"`
	TCPConns       uint64  `json:"tcp_conns"`
	TCPConnsEstab  uint64  `json:"tcp_conns_established"`
	TCPConnsWait   uint64  `json:"tcp_conns_time_wait"`
	TCPConnsClose  uint64  `json:"tcp_conns_close_wait"`
	TCPConnsListen uint64  `json:"tcp_conns_listen"`
}

// Node is a member of the cluster, as published under /nodes/<uuid> in the coordinator.
type Node struct {
	UUID        string      `json:"uuid"`
	Name        string      `json:"name"`
	GrpcAddr    string      `json:"grpc_addr"`
	HTTPAddr    string      `json:"http_addr"`
	Roles       []Role      `json:"role"`
	RoleGroup   RoleGroup   `json:"role_group"`
	CPUNum      uint64      `json:"cpu_num"`
	Status      NodeStatus  `json:"status"`
	Scheduled   bool        `json:"scheduled"`
	Broadcasted bool        `json:"-"` // set once this process has published the entry
	Version     string      `json:"version"`
	Metrics     NodeMetrics `json:"metrics"`
}

// HasRole returns true if the node has the role, or the all-in-one role.
func (n *Node) HasRole(r Role) bool {
	for _, role := range n.Roles {
		if role == r || role == RoleAll {
			return true
		}
	}
	return false
}

func (n *Node) IsIngester() bool         { return n.HasRole(RoleIngester) }
func (n *Node) IsQuerier() bool          { return n.HasRole(RoleQuerier) }
func (n *Node) IsCompactor() bool        { return n.HasRole(RoleCompactor) }
func (n *Node) IsFlattenCompactor() bool { return n.HasRole(RoleFlattenCompactor) }
func (n *Node) IsRouter() bool           { return n.HasRole(RoleRouter) }

// IsOnline returns true if the node advertises itself as online.
func (n *Node) IsOnline() bool {
	return n.Status == NodeOnline
}

// EqualIgnoringMetrics compares everything except the metrics snapshot.  Two nodes which are equal
// by this comparison differ only by a heartbeat refresh.
func (n *Node) EqualIgnoringMetrics(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.UUID != o.UUID ||
		n.Name != o.Name ||
		n.GrpcAddr != o.GrpcAddr ||
		n.HTTPAddr != o.HTTPAddr ||
		n.RoleGroup != o.RoleGroup ||
		n.CPUNum != o.CPUNum ||
		n.Status != o.Status ||
		n.Scheduled != o.Scheduled ||
		n.Version != o.Version {
		return false
	}
	return equalRoles(n.Roles, o.Roles)
}

// Copy returns a deep copy of the node.
func (n *Node) Copy() *Node {
	c := *n
	c.Roles = append([]Role(nil), n.Roles...)
	return &c
}

func equalRoles(a, b []Role) bool {
	if len(a) != len(b) {
		return false
	}
	as := make([]string, len(a))
	bs := make([]string, len(b))
	for i := range a {
		as[i] = string(a[i])
		bs[i] = string(b[i])
	}
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
