package policy

import (
	"sort"
)

// Setting parameters every database must carry. Absence is a fatal
// configuration error, not a recoverable condition.
const (
	SettingPrevention          = "Prevention"
	SettingConsoleSecret       = "ConsoleSecret"
	SettingRecoverySecret      = "RecoverySecret"
	SettingConsoleSecretExpiry = "ConsoleSecretExpiry"
)

// Setting returns the value for param. Aborts if the row is missing.
func (s *Store) Setting(param string) string {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	for i := range s.settings {
		if s.settings[i].Param == param {
			return s.settings[i].Value
		}
	}
	fatalf("lost track of environment: setting %q missing", param)
	return ""
}

// Prevention reports whether the enforcement flag is set.
func (s *Store) Prevention() bool {
	return s.Setting(SettingPrevention) == "true"
}

// ActionArguments walks the ActionArgument list rooted at startID, following
// next pointers until the chain ends, and collects each node's value. The
// chain is a graph by id, so the walk is by id lookup, never by ownership.
// Chains are finite and acyclic by construction; a cycle would mean the
// database is corrupt, so the walk refuses to revisit a node.
func (s *Store) ActionArguments(startID int64) []string {
	s.actArgMu.Lock()
	defer s.actArgMu.Unlock()

	byID := make(map[int64]*ActionArgumentRow, len(s.actionArgs))
	for i := range s.actionArgs {
		byID[s.actionArgs[i].ID] = &s.actionArgs[i]
	}

	var values []string
	visited := make(map[int64]bool)
	for id := startID; !visited[id]; {
		node, ok := byID[id]
		if !ok {
			break
		}
		visited[id] = true
		values = append(values, node.Value)
		if node.Next == nil {
			break
		}
		id = *node.Next
	}
	return values
}

// Redirect returns the (library, symbol) pair an administrator redirected
// hookID to, or ok == false when no RedirectFunction rule exists. The rule
// hangs off the hook's position-0 argument; hooks without one are not
// representable and abort.
func (s *Store) Redirect(hookID int64) (library, symbol string, ok bool) {
	var argID int64
	found := false
	s.argMu.Lock()
	for i := range s.arguments {
		arg := &s.arguments[i]
		if arg.Hook == hookID && arg.Parent == nil && arg.Position == 0 {
			argID = arg.ID
			found = true
			break
		}
	}
	s.argMu.Unlock()
	if !found {
		fatalf("lost track of environment: hook %d has no position-0 argument", hookID)
	}

	var actArgID int64
	found = false
	s.ruleMu.Lock()
	for i := range s.rules {
		rule := &s.rules[i]
		if rule.Arg == argID && rule.Action == "RedirectFunction" && rule.ActionArg != nil {
			actArgID = *rule.ActionArg
			found = true
			break
		}
	}
	s.ruleMu.Unlock()
	if !found {
		return "", "", false
	}

	redirected := s.ActionArguments(actArgID)
	if len(redirected) != 2 {
		fatalf("lost track of environment: redirect chain for hook %d has length %d", hookID, len(redirected))
	}
	return redirected[0], redirected[1], true
}

// HookBySymbol finds the hook row for a symbol exported by the interposer.
// When library is empty, any library matches; the wrapper layer only knows
// the symbol name it was entered through.
func (s *Store) HookBySymbol(library, symbol string) (HookRow, bool) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	for i := range s.hooks {
		hook := &s.hooks[i]
		if hook.Symbol != symbol {
			continue
		}
		if library == "" || hook.Library == library {
			return *hook, true
		}
	}
	return HookRow{}, false
}

// FormalArguments returns the hook's parentless formals in ascending
// position order. Rows are copies; callers own them.
func (s *Store) FormalArguments(hookID int64) []ArgumentRow {
	s.argMu.Lock()
	var formals []ArgumentRow
	for i := range s.arguments {
		arg := s.arguments[i]
		if arg.Hook == hookID && arg.Parent == nil {
			formals = append(formals, arg)
		}
	}
	s.argMu.Unlock()

	sort.SliceStable(formals, func(i, j int) bool {
		return formals[i].Position < formals[j].Position
	})
	return formals
}

// RulesForArguments returns the rules binding actions to any of argIDs, in
// database order. Database order is the pipeline order.
func (s *Store) RulesForArguments(argIDs []int64) []RuleRow {
	wanted := make(map[int64]bool, len(argIDs))
	for _, id := range argIDs {
		wanted[id] = true
	}

	s.ruleMu.Lock()
	defer s.ruleMu.Unlock()
	var matched []RuleRow
	for i := range s.rules {
		if wanted[s.rules[i].Arg] {
			matched = append(matched, s.rules[i])
		}
	}
	return matched
}

// WhitelistValues returns the values of whitelist entries for class whose
// path is srcProg or the literal "ANY".
func (s *Store) WhitelistValues(class, srcProg string) []string {
	s.wlMu.Lock()
	defer s.wlMu.Unlock()
	var values []string
	for i := range s.whitelist {
		entry := &s.whitelist[i]
		if entry.Class == class && (entry.Path == srcProg || entry.Path == "ANY") {
			values = append(values, entry.Value)
		}
	}
	return values
}

// Snapshot returns copies of all six caches. The inspector tool uses it;
// the enforcement path never needs a full view.
func (s *Store) Snapshot() (hooks []HookRow, arguments []ArgumentRow, whitelist []WhitelistRow, actionArgs []ActionArgumentRow, rules []RuleRow, settings []SettingRow) {
	s.hookMu.Lock()
	hooks = append(hooks, s.hooks...)
	s.hookMu.Unlock()
	s.argMu.Lock()
	arguments = append(arguments, s.arguments...)
	s.argMu.Unlock()
	s.wlMu.Lock()
	whitelist = append(whitelist, s.whitelist...)
	s.wlMu.Unlock()
	s.actArgMu.Lock()
	actionArgs = append(actionArgs, s.actionArgs...)
	s.actArgMu.Unlock()
	s.ruleMu.Lock()
	rules = append(rules, s.rules...)
	s.ruleMu.Unlock()
	s.setMu.Lock()
	settings = append(settings, s.settings...)
	s.setMu.Unlock()
	return
}
