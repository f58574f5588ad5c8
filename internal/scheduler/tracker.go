package scheduler

import (
	"sync"

	"speedtrackerd/internal/storage"
)

// Tracker is the in-memory registry of profile identities with an execution
// in flight. State is process-local and intentionally lost on restart.
type Tracker struct {
	mu       sync.Mutex
	inflight map[storage.ProfileID]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{inflight: map[storage.ProfileID]struct{}{}}
}

// TryAcquire atomically inserts the identity if absent and reports whether
// acquisition succeeded. Safe under concurrent calls.
func (t *Tracker) TryAcquire(id storage.ProfileID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; ok {
		return false
	}
	t.inflight[id] = struct{}{}
	return true
}

// Release removes the identity. Idempotent: releasing an untracked identity
// is a no-op, which guards against double-release on retried failure paths.
func (t *Tracker) Release(id storage.ProfileID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.mu.Unlock()
}

// Running reports whether the identity currently has a run in flight.
func (t *Tracker) Running(id storage.ProfileID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[id]
	return ok
}

// Snapshot returns the currently tracked identities, in no particular order.
func (t *Tracker) Snapshot() []storage.ProfileID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]storage.ProfileID, 0, len(t.inflight))
	for id := range t.inflight {
		out = append(out, id)
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
