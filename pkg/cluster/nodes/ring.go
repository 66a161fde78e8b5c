package nodes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// hashSeedPrime seeds every virtual point so the ring layout is stable across releases.
const hashSeedPrime = 97

// Ring is a consistent-hash ring of node names.  Each node contributes vnodes points.  It is safe
// for concurrent use.
type Ring struct {
	vnodes int

	mu     sync.RWMutex
	points []uint64          // sorted
	owners map[uint64]string // point -> node name
	nodes  map[string][]uint64
}

// NewRing returns an empty ring where every node contributes vnodes points.
func NewRing(vnodes int) *Ring {
	if vnodes < 1 {
		vnodes = 1
	}
	return &Ring{
		vnodes: vnodes,
		owners: make(map[uint64]string),
		nodes:  make(map[string][]uint64),
	}
}

func pointHash(name string, i int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%d%s%d", hashSeedPrime, name, i))
}

// Add inserts the points of the node.  Adding a node twice is a no-op.
func (r *Ring) Add(name string) {
	added := make([]uint64, 0, r.vnodes)
	for i := 0; i < r.vnodes; i++ {
		added = append(added, pointHash(name, i))
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[name]; ok {
		return
	}

	owned := added[:0:0]
	for _, p := range added {
		if _, taken := r.owners[p]; taken {
			continue // a 64 bit collision, the earlier owner keeps the point
		}
		r.owners[p] = name
		owned = append(owned, p)
	}
	r.nodes[name] = owned
	r.points = mergeSorted(r.points, owned)
}

// Remove deletes the points of the node.  Removing an unknown node is a no-op.
func (r *Ring) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.nodes[name]
	if !ok {
		return
	}
	delete(r.nodes, name)
	for _, p := range owned {
		delete(r.owners, p)
	}

	next := 0
	for _, p := range r.points {
		if _, ok := r.owners[p]; ok {
			r.points[next] = p
			next++
		}
	}
	r.points = r.points[:next]
}

// Lookup returns the owner of the key: the node holding the first point at or after the hash of
// the key, wrapping around to the first point.  Returns false if the ring is empty.
func (r *Ring) Lookup(key string) (string, bool) {
	h := xxhash.Sum64String(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", false
	}
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	return r.owners[r.points[idx]], true
}

// Contains returns true if the node is on the ring.
func (r *Ring) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[name]
	return ok
}

// Len returns the number of nodes on the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Nodes returns the sorted names of the nodes on the ring.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func mergeSorted(a, b []uint64) []uint64 {
	out := make([]uint64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
