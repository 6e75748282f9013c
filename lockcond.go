// lockcond.go

package erpc

import "sync"

// lockCond is a mutex whose acquire is a no-op unless the owning
// endpoint is shared with background threads. Single-threaded endpoints
// pay nothing on the datapath fast path.
type lockCond struct {
	mu      sync.Mutex
	enabled bool
}

func (l *lockCond) lock() {
	if l.enabled {
		l.mu.Lock()
	}
}

func (l *lockCond) unlock() {
	if l.enabled {
		l.mu.Unlock()
	}
}
