// Package registry implements FilterRegistry, the process-wide lookup
// table from (fragment_instance_id, filter_id) to *instance.Instance
// described in spec §4.4. Reads (from the hot probe path) take a
// copy-on-write snapshot so a concurrent registration never blocks a
// probe already in flight, grounded on the teacher's
// internal/indexer read/write split around sync.RWMutex
// (internal/indexer/indexer.go).
package registry

import (
	"fmt"
	"sync"

	"github.com/runtimefilter/rtfilter/internal/instance"
)

// Role distinguishes why an instance was registered, mirroring spec
// §4.4's "role index" so a fragment can be asked "which filters am I a
// producer for" without scanning every entry.
type Role uint8

const (
	RoleProducer Role = iota
	RoleConsumer
)

type key struct {
	fragmentInstanceID uint64
	filterID           uint32
}

// Registry is the shared FilterInstance lookup table. The zero value
// is ready to use.
type Registry struct {
	mu sync.RWMutex
	// snapshot is replaced wholesale on every Register call so readers
	// holding an old map never observe a partially-populated one.
	snapshot map[key]*instance.Instance
	roles    map[key]Role
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		snapshot: make(map[key]*instance.Instance),
		roles:    make(map[key]Role),
	}
}

// Register inserts inst under (fragmentInstanceID, filterID) with the
// given role. Registering the same key twice replaces the previous
// entry -- the caller (typically fragment setup) is expected not to
// do this, but the registry does not defend against it (spec §4.4
// leaves duplicate registration as caller error).
func (r *Registry) Register(fragmentInstanceID uint64, filterID uint32, role Role, inst *instance.Instance) {
	k := key{fragmentInstanceID, filterID}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[key]*instance.Instance, len(r.snapshot)+1)
	for kk, vv := range r.snapshot {
		next[kk] = vv
	}
	next[k] = inst
	r.snapshot = next

	roles := make(map[key]Role, len(r.roles)+1)
	for kk, vv := range r.roles {
		roles[kk] = vv
	}
	roles[k] = role
	r.roles = roles
}

// Lookup returns the instance registered for (fragmentInstanceID,
// filterID), or nil, false if none is registered. The read path takes
// the current snapshot reference under a read lock and then looks it
// up outside the lock, so a concurrent Register never blocks a probe
// already reading the old map.
func (r *Registry) Lookup(fragmentInstanceID uint64, filterID uint32) (*instance.Instance, bool) {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()
	inst, ok := snap[key{fragmentInstanceID, filterID}]
	return inst, ok
}

// MustLookup is Lookup but panics on a missing entry, for call sites
// where the caller has already validated registration happened (e.g.
// immediately after Register in the same fragment setup path).
func (r *Registry) MustLookup(fragmentInstanceID uint64, filterID uint32) *instance.Instance {
	inst, ok := r.Lookup(fragmentInstanceID, filterID)
	if !ok {
		panic(fmt.Sprintf("registry: no instance for fragment=%d filter=%d", fragmentInstanceID, filterID))
	}
	return inst
}

// Role reports the role an instance was registered under.
func (r *Registry) Role(fragmentInstanceID uint64, filterID uint32) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[key{fragmentInstanceID, filterID}]
	return role, ok
}

// Unregister removes the entry for (fragmentInstanceID, filterID), used
// when a fragment instance completes and its filter state can be
// released (spec §4.4 "instances are reclaimed when the owning
// fragment completes").
func (r *Registry) Unregister(fragmentInstanceID uint64, filterID uint32) {
	k := key{fragmentInstanceID, filterID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshot[k]; !ok {
		return
	}
	next := make(map[key]*instance.Instance, len(r.snapshot))
	for kk, vv := range r.snapshot {
		if kk != k {
			next[kk] = vv
		}
	}
	r.snapshot = next

	roles := make(map[key]Role, len(r.roles))
	for kk, vv := range r.roles {
		if kk != k {
			roles[kk] = vv
		}
	}
	r.roles = roles
}

// ForFragment returns every instance registered under
// fragmentInstanceID, used to release or iterate all of a fragment's
// filter state at once.
func (r *Registry) ForFragment(fragmentInstanceID uint64) []*instance.Instance {
	r.mu.RLock()
	snap := r.snapshot
	r.mu.RUnlock()

	var out []*instance.Instance
	for k, inst := range snap {
		if k.fragmentInstanceID == fragmentInstanceID {
			out = append(out, inst)
		}
	}
	return out
}
