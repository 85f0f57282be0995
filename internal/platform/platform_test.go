package platform_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SantiagoPassafiume/whitebeam/internal/platform"
)

func TestDataFilePathOverride(t *testing.T) {
	t.Setenv(platform.DataPathEnv, "/tmp/wb-test-data")
	assert.Equal(t, "/tmp/wb-test-data/database.sqlite", platform.DataFilePath("database.sqlite"))
}

func TestDataFilePathDefault(t *testing.T) {
	t.Setenv(platform.DataPathEnv, "")
	path := platform.DataFilePath("whitebeam.pid")
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "whitebeam.pid", filepath.Base(path))
}

func TestCanonicalizeFD(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "file")
	f, err := os.Create(target)
	require.NoError(t, err)
	defer f.Close()

	path, err := platform.CanonicalizeFD(int(f.Fd()))
	require.NoError(t, err)
	assert.Equal(t, target, path)
}

func TestCanonicalizeFDDirectory(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Open(dir)
	require.NoError(t, err)
	defer f.Close()

	path, err := platform.CanonicalizeFD(int(f.Fd()))
	require.NoError(t, err)
	assert.Equal(t, dir, path)
}

func TestCanonicalizeFDInvalid(t *testing.T) {
	_, err := platform.CanonicalizeFD(-1)
	assert.Error(t, err)

	_, err = platform.CanonicalizeFD(1 << 20)
	assert.Error(t, err)
}

func TestGetpgid(t *testing.T) {
	pgid, err := platform.Getpgid(os.Getpid())
	require.NoError(t, err)
	assert.Greater(t, pgid, 0)
}

func TestErrnoPerGoroutine(t *testing.T) {
	platform.SetErrno(platform.EACCES)
	assert.Equal(t, platform.EACCES, *platform.ErrnoLocation())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// A fresh goroutine gets a fresh cell.
		assert.Zero(t, *platform.ErrnoLocation())
		platform.SetErrno(platform.EPERM)
		assert.Equal(t, platform.EPERM, *platform.ErrnoLocation())
	}()
	wg.Wait()

	assert.Equal(t, platform.EACCES, *platform.ErrnoLocation(),
		"another goroutine's errno must not leak")
	platform.ClearErrno()
}

func TestCurrentExecutable(t *testing.T) {
	path := platform.CurrentExecutable()
	require.NotEmpty(t, path)
	assert.True(t, filepath.IsAbs(path))
}
