package gateway

import "sync"

// retryTable records which logical requests were already replayed after a
// refresh, keyed by correlation id.
type retryTable struct {
	mu      sync.Mutex
	retried map[string]struct{}
}

func newRetryTable() *retryTable {
	return &retryTable{retried: make(map[string]struct{})}
}

// mark sets the marker for id and reports whether it was unset before.
func (t *retryTable) mark(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.retried[id]; ok {
		return false
	}
	t.retried[id] = struct{}{}
	return true
}

// forget drops id once its call has finished.
func (t *retryTable) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.retried, id)
}

// size returns the number of live markers.
func (t *retryTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retried)
}
