package proc

import (
	"sync"

	"dumbvm161/kerr"
)

// Registry is the PID registry: a monotonic counter guarded by a
// dedicated lock, separate from any per-process lock, plus a map of
// live records.
type Registry struct {
	mu      sync.Mutex
	next    PID
	ceiling PID
	records map[PID]*Record
}

// NewRegistry returns an empty registry. PID 0 is reserved; the first
// allocated PID is 1.
func NewRegistry(ceiling PID) *Registry {
	return &Registry{next: 1, ceiling: ceiling, records: make(map[PID]*Record)}
}

// Allocate reserves the next PID, or ENPROC if the registry is at its
// ceiling. Held only for the duration of the counter bump.
func (r *Registry) Allocate() (PID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next > r.ceiling {
		return 0, kerr.ENPROC
	}
	pid := r.next
	r.next++
	return pid, nil
}

// Register adds a freshly allocated record to the live table.
func (r *Registry) Register(p *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[p.PID] = p
}

// Lookup returns the record for pid, or nil if it was never registered
// or has already been destroyed.
func (r *Registry) Lookup(pid PID) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[pid]
}

// destroy removes a record from the live table. Safe to call more than
// once for the same pid.
func (r *Registry) destroy(pid PID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, pid)
}
