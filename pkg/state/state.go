package state

import (
	"net"
	"sync"

	"github.com/netkvm-hub/pkg/types"
)

// Registry is the single authority over connected clients and the
// active-client selection. Both locks cover pure map mutation only,
// never I/O: connection writes happen outside any Registry lock.
//
// The frame cache has its own mutex because frame updates arrive at
// video rate and must not contend with client add/remove.
type Registry struct {
	clients      map[string]*types.ClientRecord
	activeClient string
	clientsLock  sync.RWMutex

	frames    map[string][]byte
	frameLock sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*types.ClientRecord),
		frames:  make(map[string][]byte),
	}
}

// AddClient inserts or overwrites a client record. Last writer wins:
// re-registration under an existing id is intentional idempotent
// behavior (an existing IP reconnecting a leg).
func (r *Registry) AddClient(id string, record *types.ClientRecord) {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()
	r.clients[id] = record
}

// RemoveClient deletes a record and its cached frame. Removing the
// active client clears the selection in the same critical section so
// no reader ever observes a dangling active id. Removing an absent id
// is a no-op.
func (r *Registry) RemoveClient(id string) {
	r.clientsLock.Lock()
	if _, ok := r.clients[id]; ok {
		delete(r.clients, id)
		if r.activeClient == id {
			r.activeClient = ""
		}
	}
	r.clientsLock.Unlock()

	r.frameLock.Lock()
	delete(r.frames, id)
	r.frameLock.Unlock()
}

// SetActiveClient selects the client that receives input and whose
// video is shown. An empty id always succeeds and clears the
// selection; a non-empty id must reference a registered client.
func (r *Registry) SetActiveClient(id string) bool {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()
	if id == "" {
		r.activeClient = ""
		return true
	}
	if _, ok := r.clients[id]; !ok {
		return false
	}
	r.activeClient = id
	return true
}

// SetActiveIfNone activates id only when no client is selected, in a
// single critical section, so two concurrent registrations cannot both
// claim the first-client activation. Returns true if id became active.
func (r *Registry) SetActiveIfNone(id string) bool {
	r.clientsLock.Lock()
	defer r.clientsLock.Unlock()
	if r.activeClient != "" {
		return false
	}
	if _, ok := r.clients[id]; !ok {
		return false
	}
	r.activeClient = id
	return true
}

// GetActiveClient returns the active client id, or "" if none.
func (r *Registry) GetActiveClient() string {
	r.clientsLock.RLock()
	defer r.clientsLock.RUnlock()
	return r.activeClient
}

// GetClient returns the record for id, or nil.
func (r *Registry) GetClient(id string) *types.ClientRecord {
	r.clientsLock.RLock()
	defer r.clientsLock.RUnlock()
	return r.clients[id]
}

// SnapshotAll returns a copy of the client map. Record pointers are
// shared; the map itself is safe to iterate without the lock.
func (r *Registry) SnapshotAll() map[string]*types.ClientRecord {
	r.clientsLock.RLock()
	defer r.clientsLock.RUnlock()
	snapshot := make(map[string]*types.ClientRecord, len(r.clients))
	for id, rec := range r.clients {
		snapshot[id] = rec
	}
	return snapshot
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.clientsLock.RLock()
	defer r.clientsLock.RUnlock()
	return len(r.clients)
}

// FindClientByIP returns the id of the network client registered from
// the given source IP, or "". Video connections arrive on a separate
// socket (hence a different peer tuple), so they are associated with
// their control registration by IP alone. This assumes at most one
// registered client per source IP; a known limitation.
func (r *Registry) FindClientByIP(ip string) string {
	r.clientsLock.RLock()
	defer r.clientsLock.RUnlock()
	for id, rec := range r.clients {
		if rec.Transport != types.TransportNetwork {
			continue
		}
		host, _, err := net.SplitHostPort(id)
		if err != nil {
			continue
		}
		if host == ip {
			return id
		}
	}
	return ""
}

// UpdateLatestFrame replaces the cached most-recent frame for id.
func (r *Registry) UpdateLatestFrame(id string, frame []byte) {
	r.frameLock.Lock()
	defer r.frameLock.Unlock()
	r.frames[id] = frame
}

// GetLatestFrame returns the cached most-recent frame for id, or nil.
func (r *Registry) GetLatestFrame(id string) []byte {
	r.frameLock.Lock()
	defer r.frameLock.Unlock()
	return r.frames[id]
}
