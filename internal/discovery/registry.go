// Package discovery keeps the set of peers a node currently knows about.
package discovery

import (
	"sort"
	"sync"
	"time"
)

type NodeInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	JoinTime time.Time `json:"join_time"`
}

type Registry struct {
	nodes map[string]NodeInfo
	mu    sync.RWMutex
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		nodes: make(map[string]NodeInfo),
		now:   time.Now,
	}
}

func (r *Registry) RegisterNode(n NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.JoinTime.IsZero() {
		n.JoinTime = r.now()
	}
	r.nodes[n.ID] = n
}

func (r *Registry) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

func (r *Registry) GetNode(id string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// GetAllNodes returns every known peer, earliest joiner first.
func (r *Registry) GetAllNodes() []NodeInfo {
	r.mu.RLock()
	nodes := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].JoinTime.Equal(nodes[j].JoinTime) {
			return nodes[i].ID < nodes[j].ID
		}
		return nodes[i].JoinTime.Before(nodes[j].JoinTime)
	})
	return nodes
}

func (r *Registry) PeerUp(id, addr string) {
	r.RegisterNode(NodeInfo{ID: id, Address: addr})
}

func (r *Registry) PeerDown(id string) { r.RemoveNode(id) }
