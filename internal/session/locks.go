package session

import "sync"

// LockRegistry is the process-wide set of task ids with in-flight
// executions. It rejects overlapping attempts rather than queuing them.
type LockRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{active: make(map[string]struct{})}
}

// TryAcquire takes the lock for taskID, reporting false if already held.
func (r *LockRegistry) TryAcquire(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.active[taskID]; held {
		return false
	}
	r.active[taskID] = struct{}{}
	return true
}

// Release frees the lock for taskID. Releasing an unheld lock is a no-op.
func (r *LockRegistry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskID)
}

// Held reports whether taskID currently holds the lock.
func (r *LockRegistry) Held(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.active[taskID]
	return held
}

// Active returns the task ids currently holding locks.
func (r *LockRegistry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

// Count returns the number of held locks.
func (r *LockRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
