package registry

import (
	"sync"

	"github.com/touka-aoi/rendezvous/transport/protocol"
)

// Registry keeps the addresses of peers seen by the central point, in
// connect order. Duplicates are kept and entries are never removed.
type Registry struct {
	mu    sync.RWMutex
	peers []protocol.Address
}

func New() *Registry {
	return &Registry{}
}

func (r *Registry) Add(addr protocol.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = append(r.peers, addr)
}

// Snapshot returns a copy of the roster without the entries equal to excluding.
func (r *Registry) Snapshot(excluding protocol.Address) []protocol.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roster := make([]protocol.Address, 0, len(r.peers))
	for _, addr := range r.peers {
		if addr == excluding {
			continue
		}
		roster = append(roster, addr)
	}
	return roster
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
