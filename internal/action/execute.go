package action

import (
	"fmt"

	"github.com/SantiagoPassafiume/whitebeam/internal/event"
	"github.com/SantiagoPassafiume/whitebeam/internal/hook"
	"github.com/SantiagoPassafiume/whitebeam/internal/metrics"
	"github.com/SantiagoPassafiume/whitebeam/internal/platform"
)

const executionClass = "Binary/Execution/Whitelisted"

// verifyCanExecute guards process execution. The program path argument is
// checked against the execution whitelist; the decision is reported as an
// exec event either way, carrying the program's content digest so the
// collector can tell a replaced binary from a renamed one.
type verifyCanExecute struct{}

func (verifyCanExecute) Name() string { return "VerifyCanExecute" }

func (a verifyCanExecute) Apply(env *Env, argID int64, inv *hook.Invocation) {
	idx, ok := inv.ArgIndex(argID)
	if !ok {
		lostTrack(fmt.Sprintf("argument %d not in invocation", argID))
	}
	program, ok := hook.Raw(inv.Args[idx].Real).CString()
	if !ok {
		// A null program path cannot execute; let the real function
		// produce its own error.
		return
	}

	uid := platform.CurrentUID()
	hexdigest, err := event.ProgramDigest(program)
	if err != nil {
		hexdigest = ""
	}

	if !env.Store.Prevention() || env.Auth.VerifyAuthEnv() {
		env.Events.SendExecEvent(uid, program, hexdigest, true)
		return
	}

	for _, value := range env.Store.WhitelistValues(executionClass, env.SrcProg) {
		if value == anyValue || value == program || compilePattern(value).Match(program) {
			env.Events.SendExecEvent(uid, program, hexdigest, true)
			metrics.ActionDecisionsTotal.WithLabelValues(a.Name(), "allow").Inc()
			return
		}
	}

	env.Events.SendExecEvent(uid, program, hexdigest, false)
	env.Events.SendLogEvent(event.ClassWarn,
		fmt.Sprintf("Blocked %s from executing %s (VerifyCanExecute)", env.SrcProg, program))
	metrics.ActionDecisionsTotal.WithLabelValues(a.Name(), "deny").Inc()
	platform.SetErrno(platform.EACCES)
	inv.DoReturn = true
	inv.ReturnValue = -1
}
