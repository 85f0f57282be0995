// Package action implements the policy routines the rule table binds to
// hook arguments. Actions inspect or rewrite an invocation, may force an
// early return with a synthetic value, or pass through.
package action

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/SantiagoPassafiume/whitebeam/internal/auth"
	"github.com/SantiagoPassafiume/whitebeam/internal/event"
	"github.com/SantiagoPassafiume/whitebeam/internal/hook"
	"github.com/SantiagoPassafiume/whitebeam/internal/policy"
)

// Env is the environment an action evaluates in. The dispatcher builds one
// per process and threads it through every rule application.
type Env struct {
	Store   *policy.Store
	Auth    *auth.Verifier
	Events  event.Sink
	Logger  *slog.Logger
	SrcProg string

	// Stderr receives the user-visible denial diagnostics. Defaults to the
	// host process's stderr.
	Stderr io.Writer

	// PIDFile is the path of the service pid file.
	PIDFile string
}

// Action is a named policy routine applied to one argument of an
// invocation.
type Action interface {
	Name() string
	Apply(env *Env, argID int64, inv *hook.Invocation)
}

// Registry maps action names to handlers. Rule rows reference actions by
// string, so dispatch is by name.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a registry with the built-in actions installed.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]Action)}
	r.Register(verifyCanWrite{})
	r.Register(verifyCanTerminate{})
	r.Register(verifyCanExecute{})
	return r
}

// Register installs an action, replacing any previous handler of the same
// name.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.Name()] = a
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}

func (env *Env) stderr() io.Writer {
	if env.Stderr != nil {
		return env.Stderr
	}
	return os.Stderr
}

// lostTrack aborts on an impossible pipeline state: an argument the rule
// table bound an action to has vanished from the invocation.
func lostTrack(detail string) {
	panic(fmt.Sprintf("whitebeam: lost track of environment: %s", detail))
}
