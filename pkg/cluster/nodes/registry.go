package nodes

import (
	"sort"
	"sync"

	"github.com/clustercore/clustercore"
)

// Registry is the in-memory cache of known nodes, indexed by UUID and by name.  Returned nodes
// are copies.
type Registry struct {
	mu     sync.RWMutex
	byUUID map[string]*clustercore.Node
	byName map[string]string // name -> uuid
}

func NewRegistry() *Registry {
	return &Registry{
		byUUID: make(map[string]*clustercore.Node),
		byName: make(map[string]string),
	}
}

// Put inserts or replaces the node.  The caller must evict any other UUID holding the same name
// first, see Conflicting.
func (r *Registry) Put(n *clustercore.Node) {
	n = n.Copy()
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byUUID[n.UUID]; ok && old.Name != n.Name && r.byName[old.Name] == n.UUID {
		delete(r.byName, old.Name)
	}
	r.byUUID[n.UUID] = n
	r.byName[n.Name] = n.UUID
}

// Conflicting returns the node registered under the name of n with a different UUID.
func (r *Registry) Conflicting(n *clustercore.Node) (*clustercore.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uuid, ok := r.byName[n.Name]
	if !ok || uuid == n.UUID {
		return nil, false
	}
	return r.byUUID[uuid].Copy(), true
}

// Delete removes the node and returns it.
func (r *Registry) Delete(uuid string) (*clustercore.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byUUID[uuid]
	if !ok {
		return nil, false
	}
	delete(r.byUUID, uuid)
	if r.byName[n.Name] == uuid {
		delete(r.byName, n.Name)
	}
	return n, true
}

// UpdateMetrics replaces the metrics of a known node.  Returns false if the node is unknown.
func (r *Registry) UpdateMetrics(uuid string, m clustercore.NodeMetrics) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byUUID[uuid]
	if !ok {
		return false
	}
	n.Metrics = m
	return true
}

func (r *Registry) Get(uuid string) (*clustercore.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byUUID[uuid]
	if !ok {
		return nil, false
	}
	return n.Copy(), true
}

func (r *Registry) GetByName(name string) (*clustercore.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uuid, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.byUUID[uuid].Copy(), true
}

// List returns every node, sorted by name.
func (r *Registry) List() []*clustercore.Node {
	return r.list(func(*clustercore.Node) bool { return true })
}

// ListOnline returns every online node, sorted by name.
func (r *Registry) ListOnline() []*clustercore.Node {
	return r.list((*clustercore.Node).IsOnline)
}

func (r *Registry) list(keep func(*clustercore.Node) bool) []*clustercore.Node {
	r.mu.RLock()
	nodes := make([]*clustercore.Node, 0, len(r.byUUID))
	for _, n := range r.byUUID {
		if keep(n) {
			nodes = append(nodes, n.Copy())
		}
	}
	r.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name == nodes[j].Name {
			return nodes[i].UUID < nodes[j].UUID
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUUID)
}
