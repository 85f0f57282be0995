package platform

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// RealFunc is a resolved implementation of a hooked symbol. Arguments and
// return value are register-sized, exactly as captured at the wrapper.
type RealFunc func(args ...uintptr) uintptr

// Resolver resolves hooked symbols to their real implementations. The
// dispatcher asks for library == "" to mean "the next definition after the
// interposer in link order"; a non-empty library names an explicit shared
// object, which is how policy redirects are honored.
type Resolver interface {
	Resolve(library, symbol string) (RealFunc, error)
}

// rtldNext is glibc's RTLD_NEXT pseudo-handle ((void *)-1): search the
// objects after the calling one, which skips the interposer's own export.
const rtldNext = ^uintptr(0)

// DlsymResolver resolves symbols through the dynamic linker. Each
// (library, symbol) pair is resolved once and cached; shared object
// handles are cached per library and never closed.
type DlsymResolver struct {
	mu      sync.Mutex
	handles map[string]uintptr
	funcs   map[string]RealFunc
}

// NewDlsymResolver creates a DlsymResolver.
func NewDlsymResolver() *DlsymResolver {
	return &DlsymResolver{
		handles: make(map[string]uintptr),
		funcs:   make(map[string]RealFunc),
	}
}

// Resolve implements Resolver.
func (r *DlsymResolver) Resolve(library, symbol string) (RealFunc, error) {
	key := library + "\x00" + symbol
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, ok := r.funcs[key]; ok {
		return fn, nil
	}

	handle := rtldNext
	if library != "" {
		h, ok := r.handles[library]
		if !ok {
			var err error
			h, err = purego.Dlopen(library, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err != nil {
				return nil, fmt.Errorf("dlopen %s: %w", library, err)
			}
			r.handles[library] = h
		}
		handle = h
	}

	addr, err := purego.Dlsym(handle, symbol)
	if err != nil {
		return nil, fmt.Errorf("dlsym %s: %w", symbol, err)
	}
	if addr == 0 {
		return nil, fmt.Errorf("dlsym %s: symbol not found", symbol)
	}

	fn := func(args ...uintptr) uintptr {
		r1, _, _ := purego.SyscallN(addr, args...)
		return r1
	}
	r.funcs[key] = fn
	return fn, nil
}

// FuncResolver resolves symbols from an in-process table. Tests use it in
// place of the dynamic linker.
type FuncResolver struct {
	mu    sync.RWMutex
	funcs map[string]RealFunc
}

// NewFuncResolver creates a FuncResolver.
func NewFuncResolver() *FuncResolver {
	return &FuncResolver{funcs: make(map[string]RealFunc)}
}

// Register installs fn as the real implementation of symbol.
func (r *FuncResolver) Register(library, symbol string, fn RealFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[library+"\x00"+symbol] = fn
}

// Resolve implements Resolver.
func (r *FuncResolver) Resolve(library, symbol string) (RealFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.funcs[library+"\x00"+symbol]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("resolve %s: symbol not registered", symbol)
}
