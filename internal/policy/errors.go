// Package policy materialises the read-only policy database into in-memory
// caches and answers the lookups the action engine and dispatcher need.
package policy

import (
	"errors"
	"fmt"
)

// ErrRateLimited indicates a refresh was requested within the same
// wall-clock second as the last successful start of one. Callers keep
// serving the previous snapshot.
var ErrRateLimited = errors.New("cache refresh rate limit exceeded")

// ErrOpenDatabase indicates the policy database file could not be opened.
var ErrOpenDatabase = errors.New("could not open database file")

// ErrRefreshFailed wraps a query failure during snapshot reload. Caches
// reloaded before the failing query keep their new contents; the failing
// cache and the ones after it keep the previous snapshot.
type ErrRefreshFailed struct {
	Table string // table or view being reloaded
	Cause error
}

func (e *ErrRefreshFailed) Error() string {
	return fmt.Sprintf("refresh of %s failed: %v", e.Table, e.Cause)
}

func (e *ErrRefreshFailed) Unwrap() error {
	return e.Cause
}

// fatalf aborts the process with a diagnostic. Mandatory settings going
// missing or a redirect rule that cannot be followed means the environment
// is compromised;
// degrading silently would be a security regression.
func fatalf(format string, args ...any) {
	panic(fmt.Sprintf("whitebeam: "+format, args...))
}
