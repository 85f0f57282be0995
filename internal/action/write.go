package action

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/SantiagoPassafiume/whitebeam/internal/event"
	"github.com/SantiagoPassafiume/whitebeam/internal/hook"
	"github.com/SantiagoPassafiume/whitebeam/internal/metrics"
	"github.com/SantiagoPassafiume/whitebeam/internal/platform"
)

const (
	anyValue       = "ANY"
	writableClass  = "Filesystem/Directory/Writable"
	writeFlagsMask = unix.O_RDWR | unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL |
		unix.O_TMPFILE | unix.O_APPEND | unix.O_TRUNC
)

// modeStringSymbols take a stdio mode string as their second argument.
var modeStringSymbols = map[string]bool{
	"fopen":   true,
	"fopen64": true,
	"fdopen":  true,
}

// openFlagsSymbols take an open(2)-style flags word as their third
// argument.
var openFlagsSymbols = map[string]bool{
	"open":         true,
	"open64":       true,
	"openat":       true,
	"openat64":     true,
	"__open":       true,
	"__open_2":     true,
	"__open64":     true,
	"__open64_2":   true,
	"__openat_2":   true,
	"__openat64_2": true,
}

// fdOnlySymbols pass a file descriptor naming the target file itself; the
// canonical path splits into directory and filename.
var fdOnlySymbols = map[string]bool{
	"fopen":       true,
	"fopen64":     true,
	"truncate":    true,
	"truncate64":  true,
	"fchmod":      true,
	"fchown":      true,
	"fdopen":      true,
	"ftruncate":   true,
	"ftruncate64": true,
}

// emptyPathSymbols honor AT_EMPTY_PATH in their trailing flags word.
var emptyPathSymbols = map[string]bool{
	"fchownat": true,
	"linkat":   true,
}

// nullReturnSymbols return NULL rather than -1 on failure.
var nullReturnSymbols = map[string]bool{
	"fopen":   true,
	"fopen64": true,
	"fdopen":  true,
}

// verifyCanWrite guards filesystem-modifying calls. Writes are allowed
// into whitelisted directories only; everything the policy cannot prove
// harmless is denied.
type verifyCanWrite struct{}

func (verifyCanWrite) Name() string { return "VerifyCanWrite" }

func (a verifyCanWrite) Apply(env *Env, argID int64, inv *hook.Invocation) {
	if !env.Store.Prevention() {
		return
	}
	// Permit authorized writes
	if env.Auth.VerifyAuthEnv() {
		return
	}

	idx, ok := inv.ArgIndex(argID)
	if !ok {
		lostTrack(fmt.Sprintf("argument %d not in invocation", argID))
	}
	symbol := inv.Hook.Symbol

	// Permit read-only
	if isReadOnly(symbol, inv) {
		return
	}

	allowed := env.Store.WhitelistValues(writableClass, env.SrcProg)
	for _, directory := range allowed {
		if directory == anyValue {
			return
		}
	}

	targetDirectory, filename, ok := resolveTarget(env, symbol, idx, inv)
	if !ok {
		// An fd the kernel cannot name is indistinguishable from an
		// attack; the call is aborted.
		a.deny(env, inv, symbol, targetDirectory, filename)
		return
	}

	targetDirectory += "/"
	fullPath := targetDirectory + filename

	// Special cases. We don't want to whitelist /dev (although pts and
	// related subdirectories are fine).
	if fullPath == "/dev/tty" || fullPath == "/dev/null" {
		return
	}

	for _, pattern := range allowed {
		if compilePattern(pattern).Match(targetDirectory) {
			metrics.ActionDecisionsTotal.WithLabelValues(a.Name(), "allow").Inc()
			return
		}
	}

	// Deny by default
	env.Events.SendLogEvent(event.ClassWarn,
		fmt.Sprintf("Blocked %s from writing to %s (VerifyCanWrite)", env.SrcProg, targetDirectory))
	a.deny(env, inv, symbol, targetDirectory, filename)
}

func (a verifyCanWrite) deny(env *Env, inv *hook.Invocation, symbol, targetDirectory, filename string) {
	fullPath := targetDirectory
	if !strings.HasSuffix(fullPath, "/") {
		fullPath += "/"
	}
	fullPath += filename
	fmt.Fprintf(env.stderr(), "WhiteBeam: %s: Permission denied\n", fullPath)
	metrics.ActionDecisionsTotal.WithLabelValues(a.Name(), "deny").Inc()
	platform.SetErrno(platform.EACCES)
	inv.DoReturn = true
	if nullReturnSymbols[symbol] {
		inv.ReturnValue = 0
	} else {
		inv.ReturnValue = -1
	}
}

// isReadOnly decides whether the call cannot modify the filesystem.
func isReadOnly(symbol string, inv *hook.Invocation) bool {
	switch {
	case modeStringSymbols[symbol]:
		if len(inv.Args) < 2 {
			return false
		}
		mode, ok := hook.Raw(inv.Args[1].Real).CString()
		if !ok {
			return false
		}
		return !strings.ContainsAny(mode, "wa+")
	case openFlagsSymbols[symbol]:
		if len(inv.Args) < 3 {
			return false
		}
		flags := hook.Raw(inv.Args[2].Real).Int32()
		return flags&int32(writeFlagsMask) == 0
	default:
		return false
	}
}

// resolveTarget computes the directory being written into and the filename
// within it, from the descriptor under evaluation and, for *at-style
// symbols, the path argument that follows it.
func resolveTarget(env *Env, symbol string, idx int, inv *hook.Invocation) (directory, filename string, ok bool) {
	// NB: Do not dereference paths here
	canonical, err := platform.CanonicalizeFD(hook.Raw(inv.Args[idx].Real).FD())
	if err != nil {
		env.Logger.Warn("fd canonicalization failed", "symbol", symbol, "error", err)
		return "", "", false
	}

	parent := filepath.Dir(canonical)
	base := filepath.Base(canonical)

	fdOnly := fdOnlySymbols[symbol]
	if emptyPathSymbols[symbol] {
		if last, found := inv.LastArg(); found &&
			hook.Raw(last.Real).Int32()&unix.AT_EMPTY_PATH != 0 {
			fdOnly = true
		}
	}

	if fdOnly {
		return parent, base, true
	}

	// The descriptor names the directory; the next argument is the
	// filename within it.
	if idx+1 >= len(inv.Args) {
		return "", "", false
	}
	name, found := hook.Raw(inv.Args[idx+1].Real).CString()
	if !found {
		return "", "", false
	}
	return canonical, name, true
}
