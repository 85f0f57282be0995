package platform

import (
	"sync"
	"syscall"

	"github.com/petermattis/goid"
)

// Errno values surfaced on synthetic denials.
const (
	EACCES = int32(syscall.EACCES)
	EPERM  = int32(syscall.EPERM)
)

// errnoCells holds one errno slot per goroutine. The c-shared shim copies
// the slot into the host thread's real errno location after a synthetic
// return; inside the core the slot doubles as the per-call errno record.
var errnoCells struct {
	mu    sync.Mutex
	cells map[int64]*int32
}

// ErrnoLocation returns the calling goroutine's errno cell, creating it on
// first use.
func ErrnoLocation() *int32 {
	gid := goid.Get()
	errnoCells.mu.Lock()
	defer errnoCells.mu.Unlock()
	if errnoCells.cells == nil {
		errnoCells.cells = make(map[int64]*int32)
	}
	cell, ok := errnoCells.cells[gid]
	if !ok {
		cell = new(int32)
		errnoCells.cells[gid] = cell
	}
	return cell
}

// SetErrno stores value in the calling goroutine's errno cell.
func SetErrno(value int32) {
	*ErrnoLocation() = value
}

// ClearErrno releases the calling goroutine's errno cell. Exposed for the
// shim's thread-teardown path so cells do not accumulate across host threads.
func ClearErrno() {
	gid := goid.Get()
	errnoCells.mu.Lock()
	defer errnoCells.mu.Unlock()
	delete(errnoCells.cells, gid)
}
