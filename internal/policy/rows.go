package policy

// HookRow is one hooked symbol: which library it lives in, which language
// binding generated it, and the database id its arguments hang off.
type HookRow struct {
	ID       int64
	Language string
	Library  string
	Symbol   string
}

// ArgumentRow is one formal argument of a hook. Parent is nil for formals
// captured at call entry; nested rows describe members reached through a
// pointer formal. Real carries the register-sized value captured by the
// wrapper and is never persisted.
type ArgumentRow struct {
	ID       int64
	Hook     int64
	Parent   *int64
	Position int64
	Real     uintptr
	Datatype string
	Pointer  bool
	Signed   bool
	Variadic bool
	Array    bool
}

// WhitelistRow authorises one class of operation for one source program
// (or "ANY").
type WhitelistRow struct {
	Class  string
	Parent string
	Path   string
	Value  string
}

// ActionArgumentRow is a node in a singly linked list of action parameters.
type ActionArgumentRow struct {
	ID    int64
	Value string
	Next  *int64
}

// RuleRow binds an action to an argument, optionally with a parameter list.
type RuleRow struct {
	Arg       int64
	Action    string
	ActionArg *int64
}

// SettingRow is one key/value configuration row.
type SettingRow struct {
	Param string
	Value string
}
