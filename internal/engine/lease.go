package engine

import (
	"sync"

	"github.com/sendloop/journey/pkg/schema"
)

// LeaseRegistry serializes work on execution instances within this process.
// At most one goroutine holds the lease for an instance at a time; everything
// that mutates an instance (drive, resume, timeout, cancel) runs under it.
type LeaseRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLeaseRegistry() *LeaseRegistry {
	return &LeaseRegistry{held: make(map[string]struct{})}
}

// TryAcquire takes the lease for an instance. It fails immediately rather
// than blocking; callers either retry later or drop the wakeup, because a
// holder in flight will observe any state the wakeup was about.
func (r *LeaseRegistry) TryAcquire(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.held[instanceID]; taken {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is already being processed", instanceID)
	}
	r.held[instanceID] = struct{}{}
	return nil
}

// Release returns the lease. Releasing an unheld lease is a no-op.
func (r *LeaseRegistry) Release(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, instanceID)
}

// Held reports whether the lease is currently taken.
func (r *LeaseRegistry) Held(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.held[instanceID]
	return taken
}
