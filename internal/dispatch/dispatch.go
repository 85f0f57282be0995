// Package dispatch implements the per-symbol entry points of the
// interposer: real-symbol resolution, argument capture, the action
// pipeline, and synthetic returns. The c-shared shim exports the libc
// symbol names and funnels every call into Dispatcher.Dispatch.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/SantiagoPassafiume/whitebeam/internal/action"
	"github.com/SantiagoPassafiume/whitebeam/internal/auth"
	"github.com/SantiagoPassafiume/whitebeam/internal/config"
	"github.com/SantiagoPassafiume/whitebeam/internal/event"
	"github.com/SantiagoPassafiume/whitebeam/internal/hook"
	"github.com/SantiagoPassafiume/whitebeam/internal/metrics"
	"github.com/SantiagoPassafiume/whitebeam/internal/platform"
	"github.com/SantiagoPassafiume/whitebeam/internal/policy"
	"github.com/SantiagoPassafiume/whitebeam/pkg/logger"
)

const pidFileName = "whitebeam.pid"

// Dispatcher routes hooked calls through the policy engine.
type Dispatcher struct {
	store    *policy.Store
	registry *action.Registry
	resolver platform.Resolver
	env      *action.Env
	logger   *slog.Logger

	// library restricts hook lookups to rows declaring this library path.
	// Empty matches any library: the wrapper only knows the symbol name it
	// was entered through.
	library string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLibrary restricts hook lookups to rows for the given library path.
func WithLibrary(library string) Option {
	return func(d *Dispatcher) { d.library = library }
}

// WithSrcProg overrides the source program identity. Tests use it; in a
// host process the identity comes from /proc/self/exe.
func WithSrcProg(srcProg string) Option {
	return func(d *Dispatcher) { d.env.SrcProg = srcProg }
}

// WithPIDFile overrides the service pid file path.
func WithPIDFile(path string) Option {
	return func(d *Dispatcher) { d.env.PIDFile = path }
}

// WithStderrWriter redirects denial diagnostics.
func WithStderrWriter(w io.Writer) Option {
	return func(d *Dispatcher) { d.env.Stderr = w }
}

// New creates a Dispatcher over store, resolving real symbols through
// resolver and emitting events to sink.
func New(store *policy.Store, registry *action.Registry, resolver platform.Resolver, sink event.Sink, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		registry: registry,
		resolver: resolver,
		logger:   logger,
		env: &action.Env{
			Store:   store,
			Auth:    auth.NewVerifier(store),
			Events:  sink,
			Logger:  logger,
			SrcProg: platform.CurrentExecutable(),
			PIDFile: platform.DataFilePath(pidFileName),
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var (
	defaultDispatcher     *Dispatcher
	defaultDispatcherOnce sync.Once
)

// Default returns the process-wide dispatcher the shim binds its exported
// wrappers to. Configuration failures fall back to defaults: the
// interposer must come up inside processes that have no configuration at
// all, and enforcement never depends on the ambient stack.
func Default() *Dispatcher {
	defaultDispatcherOnce.Do(func() {
		dbPath := platform.DataFilePath("database.sqlite")
		pidPath := platform.DataFilePath(pidFileName)
		eventsPath := platform.DataFilePath("events.ndjson")
		log := logger.Nop()

		if cfg, err := config.Load(); err == nil {
			dbPath = cfg.DatabasePath()
			pidPath = cfg.PIDPath()
			eventsPath = cfg.EventsPath()
			log = logger.ForProcess(logger.NewLogger(logger.Config{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				Output:     cfg.Log.Output,
				Filename:   cfg.Log.Filename,
				MaxSize:    cfg.Log.MaxSize,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAge,
				Compress:   cfg.Log.Compress,
			}), platform.CurrentExecutable(), os.Getpid())
		}

		defaultDispatcher = New(
			policy.NewStore(dbPath, log),
			action.NewRegistry(),
			platform.NewDlsymResolver(),
			event.NewFileSink(eventsPath, log),
			log,
			WithPIDFile(pidPath),
		)
	})
	return defaultDispatcher
}

// Dispatch runs one hooked call: symbol is the exported name the wrapper
// was entered through, args are the register-sized values in declared
// order. The return value is the register the wrapper hands back to the
// host.
//
// Calls arriving while the same goroutine is already inside the
// dispatcher bypass marshalling and policy entirely and go to the real
// symbol; anything else deadlocks or recurses.
func (d *Dispatcher) Dispatch(symbol string, args ...uintptr) uintptr {
	if !guard.enter() {
		metrics.HookDispatchesTotal.WithLabelValues(symbol, "bypassed").Inc()
		return d.callReal("", symbol, args)
	}
	defer guard.exit()

	d.ensureCaches(symbol)

	hookRow, ok := d.store.HookBySymbol(d.library, symbol)
	if !ok {
		// Policy does not know this symbol; forward untouched.
		metrics.HookDispatchesTotal.WithLabelValues(symbol, "forwarded").Inc()
		return d.callReal("", symbol, args)
	}

	// Honor an administrator redirect for the real-symbol lookup.
	targetLib, targetSym := "", symbol
	if lib, sym, redirected := d.store.Redirect(hookRow.ID); redirected {
		targetLib, targetSym = lib, sym
		metrics.HookDispatchesTotal.WithLabelValues(symbol, "redirected").Inc()
	}

	formals := d.store.FormalArguments(hookRow.ID)
	inv := hook.Marshal(hookRow, formals, args)

	for _, rule := range d.store.RulesForArguments(inv.ArgIDs()) {
		if rule.Action == "RedirectFunction" {
			// Consumed during symbol resolution, not a pipeline action.
			continue
		}
		act, known := d.registry.Lookup(rule.Action)
		if !known {
			d.logger.Warn("unknown action in rule table", "action", rule.Action, "symbol", symbol)
			continue
		}
		act.Apply(d.env, rule.Arg, &inv)
	}

	if inv.DoReturn {
		metrics.HookDispatchesTotal.WithLabelValues(symbol, "denied").Inc()
		return uintptr(inv.ReturnValue)
	}

	// Forward with the possibly rewritten argument values.
	forwarded := make([]uintptr, len(args))
	copy(forwarded, args)
	for i := range inv.Args {
		if i < len(forwarded) {
			forwarded[i] = inv.Args[i].Real
		}
	}
	metrics.HookDispatchesTotal.WithLabelValues(symbol, "forwarded").Inc()
	return d.callReal(targetLib, targetSym, forwarded)
}

// ensureCaches populates the policy caches on first use and performs the
// rate-limited periodic refresh afterwards. Refresh failures keep serving
// the previous snapshot; an unreadable database on first use aborts,
// because enforcing nothing silently would be a security regression.
func (d *Dispatcher) ensureCaches(symbol string) {
	if d.store.Populated() {
		if err := d.store.Refresh(); err != nil && !errors.Is(err, policy.ErrRateLimited) {
			d.logger.Warn("policy refresh failed, serving previous snapshot",
				"symbol", symbol, "error", err)
		}
		return
	}
	if err := d.store.EnsurePopulated(); err != nil {
		panic(fmt.Sprintf("whitebeam: policy database unavailable: %v", err))
	}
}

func (d *Dispatcher) callReal(library, symbol string, args []uintptr) uintptr {
	fn, err := d.resolver.Resolve(library, symbol)
	if err != nil {
		// A symbol that cannot be resolved cannot be forwarded; failing
		// the call is the only deny-safe answer.
		d.logger.Error("real symbol resolution failed",
			"symbol", symbol, "library", library, "error", err)
		platform.SetErrno(platform.EACCES)
		return ^uintptr(0)
	}
	return fn(args...)
}
