// Package registry holds the gateway's shared mutable state: the session
// record store and the initialization guard. All mutation goes through the
// operations defined here; callers must not cache records across their own
// suspension points.
package registry

import (
	"sync"
	"time"

	"github.com/workspace/msg-gateway/internal/engine"
	"github.com/workspace/msg-gateway/internal/protocol"
)

// Conn is the real-time connection seam. The WebSocket transport implements
// it; tests use in-memory fakes.
type Conn interface {
	// ID distinguishes connections; a reconnecting browser gets a new ID.
	ID() string
	// Send delivers an outbound envelope.
	Send(env protocol.Outbound) error
	// IsOpen reports whether the connection is still usable.
	IsOpen() bool
	// Close tears the connection down.
	Close() error
}

// Record is the session record for one identifier. Records are stored by
// value; read-modify-write cycles re-Put the updated copy.
type Record struct {
	ID           string
	Client       engine.Client
	Conn         Conn
	StoragePath  string
	LastActivity time.Time
	Identity     string
	// Gen is the ownership epoch, stamped by the manager on creation and
	// reattachment. Teardown paths snapshot it and skip records that were
	// re-owned in the meantime.
	Gen uint64
}

// Registry is a concurrent-safe map of session records keyed by session id.
// At most one record exists per id.
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
}

func New() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Put stores or replaces the record for rec.ID.
func (r *Registry) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
}

// Remove deletes the record for id, reporting whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	delete(r.records, id)
	return ok
}

// ForEach calls fn for every record in a snapshot taken under the lock, so
// callers may mutate the registry while iterating.
func (r *Registry) ForEach(fn func(rec Record)) {
	r.mu.RLock()
	snapshot := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		snapshot = append(snapshot, rec)
	}
	r.mu.RUnlock()

	for _, rec := range snapshot {
		fn(rec)
	}
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
