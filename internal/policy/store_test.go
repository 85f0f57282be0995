package policy_test

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SantiagoPassafiume/whitebeam/internal/policy"
	"github.com/SantiagoPassafiume/whitebeam/internal/policy/policytest"
	"github.com/SantiagoPassafiume/whitebeam/pkg/logger"
)

func newTestStore(t *testing.T) (*policy.Store, *policytest.DB) {
	t.Helper()
	db := policytest.New(t)
	return policy.NewStore(db.Path, logger.Nop()), db
}

func TestRefreshPopulatesCaches(t *testing.T) {
	store, db := newTestStore(t)

	hookID := db.AddHook("c", "/lib/x86_64-linux-gnu/libc.so.6", "open")
	argID := db.AddArgument(hookID, 0, "IntegerSigned")
	db.AddArgument(hookID, 1, "IntegerSigned")
	db.AddWhitelist("Filesystem/Directory/Writable", "ANY", "/tmp/**")
	db.AddRule(argID, "VerifyCanWrite", nil)

	require.NoError(t, store.Refresh())
	assert.True(t, store.Populated())

	hook, ok := store.HookBySymbol("", "open")
	require.True(t, ok)
	assert.Equal(t, hookID, hook.ID)
	assert.Equal(t, "/lib/x86_64-linux-gnu/libc.so.6", hook.Library)

	formals := store.FormalArguments(hookID)
	require.Len(t, formals, 2)
	assert.Equal(t, int64(0), formals[0].Position)
	assert.Equal(t, int64(1), formals[1].Position)

	rules := store.RulesForArguments([]int64{argID})
	require.Len(t, rules, 1)
	assert.Equal(t, "VerifyCanWrite", rules[0].Action)

	values := store.WhitelistValues("Filesystem/Directory/Writable", "/usr/bin/tee")
	assert.Equal(t, []string{"/tmp/**"}, values)
}

func TestRefreshRateLimited(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Refresh())

	// Two successful refreshes cannot share a wall-clock second, so at
	// least one of the immediate retries must observe the limit.
	limited := false
	for i := 0; i < 3 && !limited; i++ {
		limited = errors.Is(store.Refresh(), policy.ErrRateLimited)
	}
	assert.True(t, limited, "expected an immediate refresh retry to be rate limited")
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)

	const workers = 8
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(workers)
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i] = store.Refresh()
		}(i)
	}
	start.Done()
	done.Wait()

	successes, limited := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, policy.ErrRateLimited):
			limited++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	// One winner per second; a second-boundary straddle can allow one more.
	assert.GreaterOrEqual(t, successes, 1)
	assert.LessOrEqual(t, successes, 2)
	assert.Equal(t, workers, successes+limited)
}

func TestEnsurePopulatedConcurrentFirstUse(t *testing.T) {
	store, _ := newTestStore(t)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			errs[i] = store.EnsurePopulated()
		}(i)
	}
	start.Done()
	done.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, store.Populated())
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	store, db := newTestStore(t)
	require.NoError(t, store.Refresh())
	assert.Empty(t, store.WhitelistValues("Filesystem/Directory/Writable", "ANY"))
	assert.Equal(t, "false", store.Setting(policy.SettingPrevention))

	db.AddWhitelist("Filesystem/Directory/Writable", "ANY", "/var/log/**")
	db.SetSetting("Prevention", "true")

	// Step past the rate limiter's second.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, store.Refresh())

	assert.Equal(t, []string{"/var/log/**"},
		store.WhitelistValues("Filesystem/Directory/Writable", "/usr/bin/tee"))
	assert.True(t, store.Prevention())
}

func TestRefreshWaitsForJournal(t *testing.T) {
	db := policytest.New(t)
	journal := db.Path + "-journal"
	require.NoError(t, os.WriteFile(journal, nil, 0600))

	store := policy.NewStore(db.Path, logger.Nop())
	begun := time.Now()
	errCh := make(chan error, 1)
	go func() { errCh <- store.Refresh() }()

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, os.Remove(journal))

	require.NoError(t, <-errCh)
	assert.GreaterOrEqual(t, time.Since(begun), 200*time.Millisecond)
}

func TestOpenMissingDatabase(t *testing.T) {
	store := policy.NewStore(t.TempDir()+"/missing.sqlite", logger.Nop())
	err := store.Refresh()
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrOpenDatabase)
	assert.False(t, store.Populated())
}

func TestSettingMissingIsFatal(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Refresh())
	require.Panics(t, func() { store.Setting("NoSuchParam") })
}
