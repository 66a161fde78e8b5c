package nodes

import (
	"github.com/clustercore/clustercore"
)

// RingName identifies one of the tracked rings.
type RingName string

const (
	RingQuerierInteractive RingName = "querier_interactive"
	RingQuerierBackground  RingName = "querier_background"
	RingCompactor          RingName = "compactor"
	RingFlattenCompactor   RingName = "flatten_compactor"
)

// RingNames lists every tracked ring.
var RingNames = []RingName{
	RingQuerierInteractive,
	RingQuerierBackground,
	RingCompactor,
	RingFlattenCompactor,
}

// Rings holds one Ring per tracked (role, group) pair.
type Rings struct {
	rings map[RingName]*Ring
}

// NewRings returns empty rings where every node contributes vnodes points per ring.
func NewRings(vnodes int) *Rings {
	rs := &Rings{rings: make(map[RingName]*Ring, len(RingNames))}
	for _, name := range RingNames {
		rs.rings[name] = NewRing(vnodes)
	}
	return rs
}

// ringsFor returns the rings the node belongs on.  A querier without a group is a legacy querier
// and serves both groups.
func ringsFor(n *clustercore.Node) []RingName {
	var names []RingName
	if n.IsQuerier() {
		switch n.RoleGroup {
		case clustercore.RoleGroupInteractive:
			names = append(names, RingQuerierInteractive)
		case clustercore.RoleGroupBackground:
			names = append(names, RingQuerierBackground)
		default:
			names = append(names, RingQuerierInteractive, RingQuerierBackground)
		}
	}
	if n.IsCompactor() {
		names = append(names, RingCompactor)
	}
	if n.IsFlattenCompactor() {
		names = append(names, RingFlattenCompactor)
	}
	return names
}

// RingFor returns the ring serving lookups for the role and group.  Lookups without a group use
// the interactive querier ring.  Returns false for roles without a ring.
func RingFor(role clustercore.Role, group clustercore.RoleGroup) (RingName, bool) {
	switch role {
	case clustercore.RoleQuerier:
		if group == clustercore.RoleGroupBackground {
			return RingQuerierBackground, true
		}
		return RingQuerierInteractive, true
	case clustercore.RoleCompactor:
		return RingCompactor, true
	case clustercore.RoleFlattenCompactor:
		return RingFlattenCompactor, true
	default:
		return "", false
	}
}

// Add places the node on every ring whose role and group it satisfies.
func (rs *Rings) Add(n *clustercore.Node) {
	for _, name := range ringsFor(n) {
		rs.rings[name].Add(n.Name)
	}
}

// Remove takes the node off every ring.
func (rs *Rings) Remove(n *clustercore.Node) {
	for _, r := range rs.rings {
		r.Remove(n.Name)
	}
}

// Lookup returns the name of the node owning the key for the role and group.
func (rs *Rings) Lookup(key string, role clustercore.Role, group clustercore.RoleGroup) (string, bool) {
	name, ok := RingFor(role, group)
	if !ok {
		return "", false
	}
	return rs.rings[name].Lookup(key)
}

// Ring returns the named ring, or nil.
func (rs *Rings) Ring(name RingName) *Ring {
	return rs.rings[name]
}

// Sizes returns the node count of every ring.
func (rs *Rings) Sizes() map[RingName]int {
	sizes := make(map[RingName]int, len(rs.rings))
	for name, r := range rs.rings {
		sizes[name] = r.Len()
	}
	return sizes
}
