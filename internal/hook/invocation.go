// Package hook carries the runtime representation of a hooked call: the
// register-sized values captured at the wrapper, the typed argument vector
// marshalled against the policy database, and the invocation record the
// action pipeline rewrites.
package hook

import (
	"github.com/SantiagoPassafiume/whitebeam/internal/policy"
)

// Invocation is one hooked call moving through the action pipeline.
// Actions may rewrite argument values, or set DoReturn to short-circuit
// the real function with ReturnValue.
type Invocation struct {
	Hook        policy.HookRow
	Args        []policy.ArgumentRow
	DoReturn    bool
	ReturnValue int64
}

// ArgIndex returns the position in Args of the argument with id, or
// ok == false when the pipeline lost track of it.
func (inv *Invocation) ArgIndex(argID int64) (int, bool) {
	for i := range inv.Args {
		if inv.Args[i].ID == argID {
			return i, true
		}
	}
	return 0, false
}

// LastArg returns the final argument of the call. Used by *at-style hooks
// whose trailing flags word changes how earlier arguments are read.
func (inv *Invocation) LastArg() (policy.ArgumentRow, bool) {
	if len(inv.Args) == 0 {
		return policy.ArgumentRow{}, false
	}
	return inv.Args[len(inv.Args)-1], true
}

// ArgIDs returns the ids of all arguments in the invocation.
func (inv *Invocation) ArgIDs() []int64 {
	ids := make([]int64, len(inv.Args))
	for i := range inv.Args {
		ids[i] = inv.Args[i].ID
	}
	return ids
}

// Marshal pairs the hook's formal arguments with the register-sized values
// captured at call entry. Formals arrive in ascending position order;
// value i lands in formal i. Variadic and array flags are recorded, not
// expanded: actions that care consult them explicitly. Captured values
// beyond the declared formals are dropped.
func Marshal(hookRow policy.HookRow, formals []policy.ArgumentRow, raw []uintptr) Invocation {
	args := make([]policy.ArgumentRow, len(formals))
	copy(args, formals)
	for i := range args {
		if i < len(raw) {
			args[i].Real = raw[i]
		}
	}
	return Invocation{Hook: hookRow, Args: args}
}
