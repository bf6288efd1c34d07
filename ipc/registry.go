package ipc

import (
	"sync"

	"github.com/bbelna/quantum/abi"
	"github.com/bbelna/quantum/kernel"
)

// Registry is the process-wide table of live ports, keyed by a
// monotonically allocated id bounded by abi.MaxPorts (spec §7: "the
// port table" is among the resources whose exhaustion reports
// ResourceExhausted). Grounded on the original kernel's fixed 16-port
// array and linear FindPort scan (IPC.cpp), generalized to
// abi.MaxPorts slots.
type Registry struct {
	mu    sync.Mutex
	ports [abi.MaxPorts]*Port
	next  uint32
}

// NewRegistry returns an empty port registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// CreatePort allocates a fresh port owned by owner with AllRights and
// installs it in the table, returning ResourceExhausted if every slot
// is occupied.
func (r *Registry) CreatePort(owner uint32) (*Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < abi.MaxPorts; i++ {
		slot := int(r.next) % abi.MaxPorts
		r.next++
		if r.ports[slot] == nil {
			id := uint32(slot + 1)
			p := NewPort(id, owner, abi.AllRights)
			r.ports[slot] = p
			return p, nil
		}
	}
	return nil, kernel.Err("ipc.CreatePort", kernel.ResourceExhausted)
}

// OpenPort looks up a live port by id.
func (r *Registry) OpenPort(id uint32) (*Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == 0 || int(id) > abi.MaxPorts {
		return nil, kernel.Err("ipc.OpenPort", kernel.InvalidArgument)
	}
	p := r.ports[id-1]
	if p == nil {
		return nil, kernel.Err("ipc.OpenPort", kernel.NotFound)
	}
	return p, nil
}

// DestroyPort removes id from the table and tears down its queue and
// waiters. Destroying an unknown id is a no-op error, not a panic.
func (r *Registry) DestroyPort(id uint32) error {
	r.mu.Lock()
	if id == 0 || int(id) > abi.MaxPorts || r.ports[id-1] == nil {
		r.mu.Unlock()
		return kernel.Err("ipc.DestroyPort", kernel.NotFound)
	}
	p := r.ports[id-1]
	r.ports[id-1] = nil
	r.mu.Unlock()

	p.Destroy()
	return nil
}

// Count reports the number of live ports, for the debug Snapshot surface.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.ports {
		if p != nil {
			n++
		}
	}
	return n
}
