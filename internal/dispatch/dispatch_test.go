package dispatch_test

import (
	"bytes"
	"os"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/SantiagoPassafiume/whitebeam/internal/action"
	"github.com/SantiagoPassafiume/whitebeam/internal/dispatch"
	"github.com/SantiagoPassafiume/whitebeam/internal/event"
	"github.com/SantiagoPassafiume/whitebeam/internal/hook"
	"github.com/SantiagoPassafiume/whitebeam/internal/platform"
	"github.com/SantiagoPassafiume/whitebeam/internal/policy"
	"github.com/SantiagoPassafiume/whitebeam/internal/policy/policytest"
	"github.com/SantiagoPassafiume/whitebeam/pkg/logger"
)

const libcPath = "/lib/x86_64-linux-gnu/libc.so.6"

// harness bundles a dispatcher over a fixture database and a fake
// resolver standing in for the dynamic linker.
type harness struct {
	db         *policytest.DB
	store      *policy.Store
	registry   *action.Registry
	resolver   *platform.FuncResolver
	dispatcher *dispatch.Dispatcher
	stderr     *bytes.Buffer
}

func newHarness(t *testing.T, db *policytest.DB) *harness {
	t.Helper()
	h := &harness{
		db:       db,
		store:    policy.NewStore(db.Path, logger.Nop()),
		registry: action.NewRegistry(),
		resolver: platform.NewFuncResolver(),
		stderr:   &bytes.Buffer{},
	}
	h.dispatcher = dispatch.New(h.store, h.registry, h.resolver, event.NopSink{}, logger.Nop(),
		dispatch.WithSrcProg("/usr/bin/tee"),
		dispatch.WithPIDFile(t.TempDir()+"/whitebeam.pid"),
		dispatch.WithStderrWriter(h.stderr),
	)
	return h
}

// addOpenatHook installs an openat hook with a VerifyCanWrite rule on its
// descriptor argument.
func addOpenatHook(db *policytest.DB) {
	hookID := db.AddHook("c", libcPath, "openat")
	argID := db.AddArgument(hookID, 0, "IntegerSigned")
	db.AddArgument(hookID, 1, "StringPointer")
	db.AddArgument(hookID, 2, "IntegerSigned")
	db.AddRule(argID, "VerifyCanWrite", nil)
}

func cstr(s string) (uintptr, []byte) {
	buf := append([]byte(s), 0)
	return uintptr(unsafe.Pointer(&buf[0])), buf
}

func TestDispatchForwardsWithoutPrevention(t *testing.T) {
	db := policytest.New(t)
	addOpenatHook(db)
	h := newHarness(t, db)

	var captured []uintptr
	h.resolver.Register("", "openat", func(args ...uintptr) uintptr {
		captured = append([]uintptr(nil), args...)
		return 42
	})

	namePtr, keep := cstr("shadow")
	atFdcwd := int64(unix.AT_FDCWD)
	args := []uintptr{uintptr(atFdcwd), namePtr, uintptr(unix.O_WRONLY)}
	ret := h.dispatcher.Dispatch("openat", args...)
	runtime.KeepAlive(keep)

	assert.Equal(t, uintptr(42), ret)
	assert.Equal(t, args, captured, "real function must see the original argument values")
}

func TestDispatchDeniesUnwhitelistedWrite(t *testing.T) {
	db := policytest.New(t)
	db.SetSetting("Prevention", "true")
	addOpenatHook(db)
	h := newHarness(t, db)

	realCalled := false
	h.resolver.Register("", "openat", func(args ...uintptr) uintptr {
		realCalled = true
		return 3
	})

	dir := t.TempDir()
	dirFile, err := os.Open(dir)
	require.NoError(t, err)
	defer dirFile.Close()

	namePtr, keep := cstr("x")
	ret := h.dispatcher.Dispatch("openat",
		dirFile.Fd(), namePtr, uintptr(unix.O_WRONLY|unix.O_CREAT))
	runtime.KeepAlive(keep)

	assert.Equal(t, ^uintptr(0), ret, "denial returns -1 coerced to a register")
	assert.False(t, realCalled, "real function must not run on denial")
	assert.Contains(t, h.stderr.String(), "Permission denied")
	assert.Equal(t, platform.EACCES, *platform.ErrnoLocation())
}

func TestDispatchAllowsWhitelistedWrite(t *testing.T) {
	db := policytest.New(t)
	db.SetSetting("Prevention", "true")
	db.AddWhitelist("Filesystem/Directory/Writable", "ANY", "ANY")
	addOpenatHook(db)
	h := newHarness(t, db)

	h.resolver.Register("", "openat", func(args ...uintptr) uintptr { return 5 })

	namePtr, keep := cstr("x")
	ret := h.dispatcher.Dispatch("openat", 0, namePtr, uintptr(unix.O_WRONLY))
	runtime.KeepAlive(keep)

	assert.Equal(t, uintptr(5), ret)
	assert.Empty(t, h.stderr.String())
}

func TestDispatchUnhookedSymbolForwards(t *testing.T) {
	db := policytest.New(t)
	h := newHarness(t, db)

	h.resolver.Register("", "close", func(args ...uintptr) uintptr { return 0 })
	ret := h.dispatcher.Dispatch("close", 9)
	assert.Equal(t, uintptr(0), ret)
}

func TestDispatchHonorsRedirect(t *testing.T) {
	db := policytest.New(t)
	hookID := db.AddHook("c", libcPath, "uname")
	argID := db.AddArgument(hookID, 0, "StructPointer")
	db.AddActionArgument(50, "/usr/lib/libshim.so", policytest.ID(51))
	db.AddActionArgument(51, "shim_uname", nil)
	db.AddRule(argID, "RedirectFunction", policytest.ID(50))
	h := newHarness(t, db)

	h.resolver.Register("/usr/lib/libshim.so", "shim_uname", func(args ...uintptr) uintptr { return 7 })

	ret := h.dispatcher.Dispatch("uname", 0)
	assert.Equal(t, uintptr(7), ret, "redirect rule must retarget the real-symbol lookup")
}

// reenterAction calls back into the dispatcher from inside the pipeline,
// the way a policy routine's own libc usage would.
type reenterAction struct {
	dispatcher **dispatch.Dispatcher
	innerRet   *uintptr
}

func (reenterAction) Name() string { return "Reenter" }

func (a reenterAction) Apply(env *action.Env, argID int64, inv *hook.Invocation) {
	*a.innerRet = (*a.dispatcher).Dispatch("probe", 1)
}

func TestDispatchReentryBypassesPolicy(t *testing.T) {
	db := policytest.New(t)
	db.SetSetting("Prevention", "true")

	// probe carries a rule that would deny it if policy ran.
	probeID := db.AddHook("c", libcPath, "probe")
	probeArg := db.AddArgument(probeID, 0, "IntegerSigned")
	db.AddRule(probeArg, "VerifyCanWrite", nil)

	outerID := db.AddHook("c", libcPath, "outer")
	outerArg := db.AddArgument(outerID, 0, "IntegerSigned")
	db.AddRule(outerArg, "Reenter", nil)

	h := newHarness(t, db)

	var innerRet uintptr
	h.registry.Register(reenterAction{dispatcher: &h.dispatcher, innerRet: &innerRet})

	probeCalls := 0
	h.resolver.Register("", "probe", func(args ...uintptr) uintptr {
		probeCalls++
		return 99
	})
	h.resolver.Register("", "outer", func(args ...uintptr) uintptr { return 1 })

	ret := h.dispatcher.Dispatch("outer", 0)

	assert.Equal(t, uintptr(1), ret)
	assert.Equal(t, uintptr(99), innerRet,
		"reentered dispatch must reach the real symbol, not the policy pipeline")
	assert.Equal(t, 1, probeCalls)
	assert.Empty(t, h.stderr.String(), "no denial may fire on the reentered path")
}

func TestDispatchKeepsSnapshotWhenDatabaseVanishes(t *testing.T) {
	db := policytest.New(t)
	addOpenatHook(db)
	h := newHarness(t, db)

	h.resolver.Register("", "openat", func(args ...uintptr) uintptr { return 11 })

	namePtr, keep := cstr("x")
	ret := h.dispatcher.Dispatch("openat", 0, namePtr, uintptr(unix.O_RDONLY))
	runtime.KeepAlive(keep)
	require.Equal(t, uintptr(11), ret)

	// Remove the database and step past the rate limiter; the next
	// dispatch must serve from the previous snapshot.
	require.NoError(t, os.Remove(db.Path))
	time.Sleep(1100 * time.Millisecond)

	namePtr2, keep2 := cstr("y")
	ret = h.dispatcher.Dispatch("openat", 0, namePtr2, uintptr(unix.O_RDONLY))
	runtime.KeepAlive(keep2)
	assert.Equal(t, uintptr(11), ret)
}

func TestDispatchSyntheticReturnCoercion(t *testing.T) {
	db := policytest.New(t)
	db.SetSetting("Prevention", "true")

	hookID := db.AddHook("c", libcPath, "fdopen")
	argID := db.AddArgument(hookID, 0, "IntegerSigned")
	db.AddArgument(hookID, 1, "StringPointer")
	db.AddRule(argID, "VerifyCanWrite", nil)
	h := newHarness(t, db)

	f, err := os.Create(t.TempDir() + "/target")
	require.NoError(t, err)
	defer f.Close()

	modePtr, keep := cstr("w")
	ret := h.dispatcher.Dispatch("fdopen", f.Fd(), modePtr)
	runtime.KeepAlive(keep)

	assert.Equal(t, uintptr(0), ret, "stdio denial returns NULL")
}
