package dispatch

import (
	"sync"

	"github.com/petermattis/goid"
)

// reentryGuard tracks which goroutines are currently inside the
// dispatcher. Actions, marshalling, and the policy store all call libc
// themselves; without the guard a hooked symbol called from inside an
// action would recurse into the dispatcher forever. This is the single
// most important invariant of the core.
type reentryGuard struct {
	mu     sync.Mutex
	active map[int64]bool
}

var guard = &reentryGuard{active: make(map[int64]bool)}

// enter marks the calling goroutine as inside the dispatcher. It returns
// false when the goroutine is already inside, in which case the caller
// must bypass policy and go straight to the real symbol.
func (g *reentryGuard) enter() bool {
	gid := goid.Get()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[gid] {
		return false
	}
	g.active[gid] = true
	return true
}

// exit clears the calling goroutine's flag. Deferred on every dispatch
// path, including synthetic denial.
func (g *reentryGuard) exit() {
	gid := goid.Get()
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, gid)
}
