package backup

import "sync"

// Registry holds the single "current session" slot: the coordinator whose
// run is currently reporting progress, or nil. It also tracks the one
// coordinator allowed to be running at a time.
//
// Lock ordering: Registry.mu guards only the pointer and is never held while
// a coordinator's own locks are taken, and no coordinator lock is held while
// calling into the Registry. Callers that need the session's progress read
// the pointer first, release the registry, then snapshot the session.
type Registry struct {
	mu      sync.Mutex
	current *Coordinator
	active  *Coordinator
}

// DefaultRegistry is the process-wide slot used by coordinators unless a
// Service is given its own.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Claim makes c the current session. It returns the coordinator that
// previously held the slot, if any other. A displaced coordinator is normal
// when backups run back to back: the previous run may have finished without
// having released the slot yet.
func (r *Registry) Claim(c *Coordinator) (displaced *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current != c {
		displaced = r.current
	}
	r.current = c
	return displaced
}

// Release clears the slot if, and only if, it holds c.
func (r *Registry) Release(c *Coordinator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != c {
		return false
	}
	r.current = nil
	return true
}

// Current returns the coordinator holding the slot, or nil.
func (r *Registry) Current() *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// TryActivate marks c as the running coordinator. It fails, returning the
// coordinator already running, when another one holds the guard.
func (r *Registry) TryActivate(c *Coordinator) (running *Coordinator, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.active != c {
		return r.active, false
	}
	r.active = c
	return nil, true
}

// Deactivate drops the running guard if c holds it.
func (r *Registry) Deactivate(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == c {
		r.active = nil
	}
}
