// Package registry tracks live worker processes per session within one
// bridge instance. It is the single piece of shared mutable state besides
// the session store, guarded by a mutex and accessed only through Register,
// Unregister and ListAll. The registry is deliberately local: a worker
// spawned by instance A is visible only to instance A's reaper.
package registry

import (
	"sync"
	"time"

	"github.com/insight-digger/mcp-bridge/internal/worker"
)

// Registration is one tracked worker. It exists only while a call for that
// session is in flight or until explicitly unregistered; an entry surviving
// past its session's expiration is by definition orphaned.
type Registration struct {
	SessionID    string
	Handle       *worker.Handle
	Signature    string
	RegisteredAt time.Time
}

// Registry is a concurrency-safe map from session id to live worker
// metadata.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register records a worker for a session. A second registration for the
// same session replaces the first (the caller abandoned the old handle; the
// reaper cannot see it, so replacement is the last-write-wins trade-off the
// session store already makes).
func (r *Registry) Register(sessionID string, h *worker.Handle, signature string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionID] = Registration{
		SessionID:    sessionID,
		Handle:       h,
		Signature:    signature,
		RegisteredAt: time.Now(),
	}
}

// Unregister removes a session's worker entry. Removing a missing entry is
// a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// Get returns the registration for a session.
func (r *Registry) Get(sessionID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[sessionID]
	return reg, ok
}

// ListAll returns a snapshot of all registrations. Mutations after the call
// are not reflected in the returned slice.
func (r *Registry) ListAll() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg)
	}
	return out
}

// Len returns the number of tracked workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
