// Package registry tracks which sessions currently own a live protocol socket.
package registry

import (
	"sort"
	"sync"
	"time"

	"whatsmgr/pkg/whatsapp/types"
)

// Handle is the in-memory view of one registered connection
type Handle struct {
	SessionID int64
	TenantID  int64
	Socket    types.Socket
	// AttemptID identifies the connect attempt that produced the socket
	AttemptID string
	StartedAt time.Time
}

// Registry maps session ids to live handles. At most one handle per id.
type Registry struct {
	mu      sync.RWMutex
	handles map[int64]*Handle
}

// New creates an empty registry
func New() *Registry {
	return &Registry{handles: make(map[int64]*Handle)}
}

// Find returns the live handle for a session
func (r *Registry) Find(sessionID int64) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// InsertIfAbsent registers h unless the session already has a handle.
// It returns false, leaving the existing handle in place, on conflict.
func (r *Registry) InsertIfAbsent(sessionID int64, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[sessionID]; exists {
		return false
	}
	r.handles[sessionID] = h
	return true
}

// Remove drops the session's handle. Absent ids are ignored.
func (r *Registry) Remove(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, sessionID)
}

// RemoveHandle drops the session's entry only if it is still h
func (r *Registry) RemoveHandle(sessionID int64, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[sessionID]; ok && cur == h {
		delete(r.handles, sessionID)
		return true
	}
	return false
}

// RemoveSocket drops the session's entry only if it wraps socket
func (r *Registry) RemoveSocket(sessionID int64, socket types.Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[sessionID]; ok && cur.Socket == socket {
		delete(r.handles, sessionID)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// IDs returns the registered session ids in ascending order
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ByTenant returns a snapshot of the handles owned by a tenant
func (r *Registry) ByTenant(tenantID int64) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handle
	for _, h := range r.handles {
		if h.TenantID == tenantID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
