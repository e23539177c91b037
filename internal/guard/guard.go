// Package guard provides the busy flag that keeps reconciliation sweeps from
// overlapping.
package guard

import "sync"

// Guard is a non-blocking mutual exclusion flag. The zero value is ready to use.
type Guard struct {
	mu   sync.Mutex
	busy bool
}

// TryAcquire marks the guard busy and reports whether the caller now owns it.
// It never blocks.
func (g *Guard) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy {
		return false
	}
	g.busy = true
	return true
}

// Release clears the busy flag. Releasing an idle guard is a no-op.
func (g *Guard) Release() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

// Busy reports whether a sweep currently holds the guard.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
