// Package policytest builds throwaway policy databases for tests. The
// fixture owns a read-write connection; the store under test opens the
// same file read-only, exactly as the interposer does in production.
package policytest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE Hook (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    language TEXT NOT NULL,
    library TEXT NOT NULL,
    symbol TEXT NOT NULL
);
CREATE TABLE Argument (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hook INTEGER NOT NULL REFERENCES Hook(id),
    parent INTEGER,
    position INTEGER NOT NULL,
    datatype TEXT NOT NULL,
    pointer INTEGER NOT NULL DEFAULT 0,
    signed INTEGER NOT NULL DEFAULT 0,
    variadic INTEGER NOT NULL DEFAULT 0,
    array INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE Whitelist (
    class TEXT NOT NULL,
    parent TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL,
    value TEXT NOT NULL
);
CREATE TABLE ActionArgument (
    id INTEGER PRIMARY KEY,
    value TEXT NOT NULL,
    next INTEGER
);
CREATE TABLE Rule (
    arg INTEGER NOT NULL,
    action TEXT NOT NULL,
    actionarg INTEGER
);
CREATE TABLE Setting (
    param TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE VIEW HookView AS SELECT language, library, symbol, id FROM Hook;
CREATE VIEW ArgumentView AS SELECT hook, parent, id, position, datatype, pointer, signed, variadic, array FROM Argument;
CREATE VIEW WhitelistView AS SELECT class, parent, path, value FROM Whitelist;
CREATE VIEW RuleView AS SELECT arg, action, actionarg FROM Rule;
`

// DB is a read-write handle on a fixture database.
type DB struct {
	Path string
	conn *sql.DB
	t    *testing.T
}

// New creates a fixture database in a temp directory with the schema the
// interposer expects and the four mandatory settings present.
func New(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database.sqlite")
	conn, err := sql.Open("sqlite", "file:"+path+"?mode=rwc")
	if err != nil {
		t.Fatalf("open fixture database: %v", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		t.Fatalf("create fixture schema: %v", err)
	}

	db := &DB{Path: path, conn: conn, t: t}
	db.SetSetting("Prevention", "false")
	db.SetSetting("ConsoleSecret", "undefined")
	db.SetSetting("RecoverySecret", "undefined")
	db.SetSetting("ConsoleSecretExpiry", "0")

	t.Cleanup(func() { conn.Close() })
	return db
}

// SetSetting upserts a Setting row.
func (db *DB) SetSetting(param, value string) {
	db.t.Helper()
	db.exec(`INSERT INTO Setting (param, value) VALUES (?, ?)
	         ON CONFLICT(param) DO UPDATE SET value = excluded.value`, param, value)
}

// AddHook inserts a Hook row and returns its id.
func (db *DB) AddHook(language, library, symbol string) int64 {
	db.t.Helper()
	res, err := db.conn.Exec(
		"INSERT INTO Hook (language, library, symbol) VALUES (?, ?, ?)",
		language, library, symbol)
	if err != nil {
		db.t.Fatalf("insert hook: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		db.t.Fatalf("hook id: %v", err)
	}
	return id
}

// AddArgument inserts a parentless Argument row and returns its id.
func (db *DB) AddArgument(hook int64, position int64, datatype string) int64 {
	db.t.Helper()
	res, err := db.conn.Exec(
		"INSERT INTO Argument (hook, parent, position, datatype) VALUES (?, NULL, ?, ?)",
		hook, position, datatype)
	if err != nil {
		db.t.Fatalf("insert argument: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		db.t.Fatalf("argument id: %v", err)
	}
	return id
}

// AddWhitelist inserts a Whitelist row.
func (db *DB) AddWhitelist(class, path, value string) {
	db.t.Helper()
	db.exec("INSERT INTO Whitelist (class, parent, path, value) VALUES (?, '', ?, ?)",
		class, path, value)
}

// AddActionArgument inserts an ActionArgument node with an explicit id.
func (db *DB) AddActionArgument(id int64, value string, next *int64) {
	db.t.Helper()
	db.exec("INSERT INTO ActionArgument (id, value, next) VALUES (?, ?, ?)", id, value, next)
}

// AddRule inserts a Rule row. Rules evaluate in insertion order.
func (db *DB) AddRule(arg int64, action string, actionarg *int64) {
	db.t.Helper()
	db.exec("INSERT INTO Rule (arg, action, actionarg) VALUES (?, ?, ?)", arg, action, actionarg)
}

// ClearWhitelist removes all whitelist rows.
func (db *DB) ClearWhitelist() {
	db.t.Helper()
	db.exec("DELETE FROM Whitelist")
}

func (db *DB) exec(query string, args ...any) {
	db.t.Helper()
	if _, err := db.conn.Exec(query, args...); err != nil {
		db.t.Fatalf("fixture exec: %v", err)
	}
}

// ID is a convenience for optional foreign keys.
func ID(v int64) *int64 { return &v }
