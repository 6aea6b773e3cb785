// Package registry holds the in-process map from connection id to live
// transport handle. It is the sole authority on "reachable from this process
// right now" and is never shared across processes.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/openeats/realtime/internal/metrics"
)

// Registry is an owned component with an explicit lifecycle: created at
// startup, injected into the lifecycle manager (writes) and the dispatcher
// (reads), stopped once on shutdown.
type Registry struct {
	mu      sync.RWMutex
	handles map[uuid.UUID]*Handle
	clock   clockwork.Clock
	stopped bool
}

func New(clock clockwork.Clock) *Registry {
	return &Registry{
		handles: make(map[uuid.UUID]*Handle),
		clock:   clock,
	}
}

// Register wraps the connection in a writer handle and stores it under
// connectionID. onPong is forwarded to the handle's pong callback.
func (r *Registry) Register(connectionID uuid.UUID, conn *websocket.Conn, onPong func()) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, fmt.Errorf("registry is stopped")
	}
	if _, exists := r.handles[connectionID]; exists {
		return nil, fmt.Errorf("connection %s already registered", connectionID)
	}

	h := newHandle(conn, r.clock, onPong)
	r.handles[connectionID] = h
	metrics.RegistryConnections.Set(float64(len(r.handles)))
	return h, nil
}

// Unregister removes and stops the handle. Safe to call for unknown ids.
func (r *Registry) Unregister(connectionID uuid.UUID) {
	r.mu.Lock()
	h, exists := r.handles[connectionID]
	if exists {
		delete(r.handles, connectionID)
		metrics.RegistryConnections.Set(float64(len(r.handles)))
	}
	r.mu.Unlock()

	if exists {
		h.stop()
	}
}

// Get returns the live handle for connectionID, if any.
func (r *Registry) Get(connectionID uuid.UUID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[connectionID]
	return h, ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Stop closes every handle with a close frame and rejects further registers.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	handles := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		handles = append(handles, h)
		delete(r.handles, id)
	}
	metrics.RegistryConnections.Set(0)
	r.mu.Unlock()

	for _, h := range handles {
		h.stopGraceful("server shutting down")
	}
}
