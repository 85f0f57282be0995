package action

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/SantiagoPassafiume/whitebeam/internal/event"
	"github.com/SantiagoPassafiume/whitebeam/internal/hook"
	"github.com/SantiagoPassafiume/whitebeam/internal/metrics"
	"github.com/SantiagoPassafiume/whitebeam/internal/platform"
)

// verifyCanTerminate guards signal delivery. It blocks signals aimed at
// the WhiteBeam service: its pid, its process group, and the uid-0
// broadcast that would take the service down with everything else.
type verifyCanTerminate struct{}

func (verifyCanTerminate) Name() string { return "VerifyCanTerminate" }

func (a verifyCanTerminate) Apply(env *Env, argID int64, inv *hook.Invocation) {
	// Permit termination if not running in prevention mode
	if !env.Store.Prevention() {
		return
	}
	// Permit authorized termination
	if env.Auth.VerifyAuthEnv() {
		return
	}

	idx, ok := inv.ArgIndex(argID)
	if !ok {
		lostTrack(fmt.Sprintf("argument %d not in invocation", argID))
	}
	pid := int(hook.Raw(inv.Args[idx].Real).Int32())

	blocked := pid == -1 && platform.CurrentUID() == 0
	// No readable pid file means no service pid or process group to
	// protect; the uid-0 broadcast check still applies.
	if servicePID, ok := readServicePID(env.PIDFile); ok {
		servicePGID, err := platform.Getpgid(servicePID)
		if err != nil {
			servicePGID = -1
		}
		blocked = blocked || pid == servicePID || pid == -servicePGID
	}

	if blocked {
		env.Events.SendLogEvent(event.ClassWarn,
			fmt.Sprintf("Blocked %s from killing WhiteBeam service (VerifyCanTerminate)", env.SrcProg))
		fmt.Fprintf(env.stderr(), "WhiteBeam: kill (%d): Operation not permitted\n", pid)
		metrics.ActionDecisionsTotal.WithLabelValues(a.Name(), "deny").Inc()
		platform.SetErrno(platform.EPERM)
		inv.DoReturn = true
		inv.ReturnValue = -1
		return
	}
	metrics.ActionDecisionsTotal.WithLabelValues(a.Name(), "allow").Inc()
}

// readServicePID reads the service's decimal pid from the pid file,
// tolerating a single trailing newline.
func readServicePID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	text := strings.TrimSuffix(string(data), "\n")
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return pid, true
}
