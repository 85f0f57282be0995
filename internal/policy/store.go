package policy

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	// Pure Go SQLite driver (no CGO, easier cross-compilation)
	_ "modernc.org/sqlite"

	"github.com/SantiagoPassafiume/whitebeam/internal/metrics"
)

const (
	journalPollInterval = 200 * time.Millisecond
	journalPollAttempts = 10
)

// Store holds the six in-memory policy caches. Each cache has its own
// mutex; refresh replaces cache contents wholesale and never mutates rows
// in place. The zero Store is not usable; call NewStore.
type Store struct {
	dbPath      string
	journalPath string
	logger      *slog.Logger

	hookMu sync.Mutex
	hooks  []HookRow

	argMu     sync.Mutex
	arguments []ArgumentRow

	wlMu      sync.Mutex
	whitelist []WhitelistRow

	actArgMu   sync.Mutex
	actionArgs []ActionArgumentRow

	ruleMu sync.Mutex
	rules  []RuleRow

	setMu    sync.Mutex
	settings []SettingRow

	refreshMu   sync.RWMutex
	lastRefresh int64 // whole seconds

	populated     chan struct{}
	populatedOnce sync.Once
}

// NewStore creates a store reading from the database file at dbPath.
// Caches start empty; they fill on the first Refresh.
func NewStore(dbPath string, logger *slog.Logger) *Store {
	return &Store{
		dbPath:      dbPath,
		journalPath: dbPath + "-journal",
		logger:      logger,
		populated:   make(chan struct{}),
	}
}

// Open opens the policy database read-only. The interposer never opens the
// database for write; the external service owns all mutation.
func (s *Store) Open() (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro", s.dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenDatabase, err)
	}
	// The driver defers file access until first use; surface a missing or
	// unreadable file here, where the caller expects it.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenDatabase, err)
	}
	return db, nil
}

// Refresh reloads all six caches from the database under a single logical
// snapshot. At most one refresh starts per wall-clock second; the losing
// callers get ErrRateLimited and keep the previous snapshot. The timestamp
// is recorded before the reload begins so concurrent callers within the
// same second bail immediately.
func (s *Store) Refresh() error {
	start := time.Now()
	now := start.Unix()

	s.refreshMu.RLock()
	prev := s.lastRefresh
	s.refreshMu.RUnlock()
	if now == prev {
		metrics.CacheRefreshesTotal.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	}

	s.refreshMu.Lock()
	if now == s.lastRefresh {
		s.refreshMu.Unlock()
		metrics.CacheRefreshesTotal.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	}
	s.lastRefresh = now
	s.refreshMu.Unlock()

	// Wait out an active writer. The -journal sidecar is the signal; if it
	// never goes away we proceed anyway and let the read-only open decide.
	for attempt := 0; attempt < journalPollAttempts; attempt++ {
		if _, err := os.Stat(s.journalPath); err != nil {
			break
		}
		time.Sleep(journalPollInterval)
	}

	db, err := s.Open()
	if err != nil {
		metrics.CacheRefreshesTotal.WithLabelValues("error").Inc()
		return err
	}
	defer db.Close()

	if err := s.reload(db); err != nil {
		metrics.CacheRefreshesTotal.WithLabelValues("error").Inc()
		return err
	}

	s.populatedOnce.Do(func() { close(s.populated) })
	metrics.CacheRefreshesTotal.WithLabelValues("success").Inc()
	metrics.CacheRefreshDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug("policy caches refreshed",
		"hooks", len(s.hooks),
		"arguments", len(s.arguments),
		"whitelist", len(s.whitelist),
		"rules", len(s.rules),
	)
	return nil
}

// EnsurePopulated blocks until the caches hold at least one successful
// snapshot. When a concurrent caller is already loading, it waits for that
// load rather than performing redundant I/O.
func (s *Store) EnsurePopulated() error {
	for {
		select {
		case <-s.populated:
			return nil
		default:
		}
		err := s.Refresh()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return err
		}
		// A concurrent refresh won the rate limit. Wait for it; if it
		// failed, the timer expires past the limited second and we retry.
		select {
		case <-s.populated:
			return nil
		case <-time.After(1100 * time.Millisecond):
		}
	}
}

// Populated reports whether the caches hold a successful snapshot.
func (s *Store) Populated() bool {
	select {
	case <-s.populated:
		return true
	default:
		return false
	}
}

func (s *Store) reload(db *sql.DB) error {
	hooks, err := queryHooks(db)
	if err != nil {
		return &ErrRefreshFailed{Table: "HookView", Cause: err}
	}
	s.hookMu.Lock()
	s.hooks = hooks
	s.hookMu.Unlock()

	arguments, err := queryArguments(db)
	if err != nil {
		return &ErrRefreshFailed{Table: "ArgumentView", Cause: err}
	}
	s.argMu.Lock()
	s.arguments = arguments
	s.argMu.Unlock()

	whitelist, err := queryWhitelist(db)
	if err != nil {
		return &ErrRefreshFailed{Table: "WhitelistView", Cause: err}
	}
	s.wlMu.Lock()
	s.whitelist = whitelist
	s.wlMu.Unlock()

	actionArgs, err := queryActionArguments(db)
	if err != nil {
		return &ErrRefreshFailed{Table: "ActionArgument", Cause: err}
	}
	s.actArgMu.Lock()
	s.actionArgs = actionArgs
	s.actArgMu.Unlock()

	rules, err := queryRules(db)
	if err != nil {
		return &ErrRefreshFailed{Table: "RuleView", Cause: err}
	}
	s.ruleMu.Lock()
	s.rules = rules
	s.ruleMu.Unlock()

	settings, err := querySettings(db)
	if err != nil {
		return &ErrRefreshFailed{Table: "Setting", Cause: err}
	}
	s.setMu.Lock()
	s.settings = settings
	s.setMu.Unlock()

	return nil
}

func queryHooks(db *sql.DB) ([]HookRow, error) {
	rows, err := db.Query("SELECT language, library, symbol, id FROM HookView")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []HookRow
	for rows.Next() {
		var row HookRow
		if err := rows.Scan(&row.Language, &row.Library, &row.Symbol, &row.ID); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func queryArguments(db *sql.DB) ([]ArgumentRow, error) {
	rows, err := db.Query("SELECT hook, parent, id, position, datatype, pointer, signed, variadic, array FROM ArgumentView")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []ArgumentRow
	for rows.Next() {
		var row ArgumentRow
		var parent sql.NullInt64
		if err := rows.Scan(&row.Hook, &parent, &row.ID, &row.Position,
			&row.Datatype, &row.Pointer, &row.Signed, &row.Variadic, &row.Array); err != nil {
			return nil, err
		}
		if parent.Valid {
			v := parent.Int64
			row.Parent = &v
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func queryWhitelist(db *sql.DB) ([]WhitelistRow, error) {
	rows, err := db.Query("SELECT class, parent, path, value FROM WhitelistView")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []WhitelistRow
	for rows.Next() {
		var row WhitelistRow
		if err := rows.Scan(&row.Class, &row.Parent, &row.Path, &row.Value); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func queryActionArguments(db *sql.DB) ([]ActionArgumentRow, error) {
	rows, err := db.Query("SELECT id, value, next FROM ActionArgument")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []ActionArgumentRow
	for rows.Next() {
		var row ActionArgumentRow
		var next sql.NullInt64
		if err := rows.Scan(&row.ID, &row.Value, &next); err != nil {
			return nil, err
		}
		if next.Valid {
			v := next.Int64
			row.Next = &v
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func queryRules(db *sql.DB) ([]RuleRow, error) {
	rows, err := db.Query("SELECT arg, action, actionarg FROM RuleView")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []RuleRow
	for rows.Next() {
		var row RuleRow
		var actionArg sql.NullInt64
		if err := rows.Scan(&row.Arg, &row.Action, &actionArg); err != nil {
			return nil, err
		}
		if actionArg.Valid {
			v := actionArg.Int64
			row.ActionArg = &v
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func querySettings(db *sql.DB) ([]SettingRow, error) {
	rows, err := db.Query("SELECT param, value FROM Setting")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []SettingRow
	for rows.Next() {
		var row SettingRow
		if err := rows.Scan(&row.Param, &row.Value); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
