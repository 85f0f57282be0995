package event_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SantiagoPassafiume/whitebeam/internal/event"
	"github.com/SantiagoPassafiume/whitebeam/pkg/logger"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileSinkLogEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	sink := event.NewFileSink(path, logger.Nop())

	sink.SendLogEvent(event.ClassInfo, "service started")
	sink.SendLogEvent(event.ClassWarn, "blocked /usr/bin/tee")

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "log", lines[0]["kind"])
	assert.Equal(t, "Info", lines[0]["class"])
	assert.Equal(t, "service started", lines[0]["message"])
	assert.NotEmpty(t, lines[0]["id"])
	assert.Equal(t, "Warn", lines[1]["class"])
}

func TestFileSinkExecEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	sink := event.NewFileSink(path, logger.Nop())

	sink.SendExecEvent(1000, "/usr/bin/sort", "abc123", true)

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "exec", lines[0]["kind"])
	assert.Equal(t, float64(1000), lines[0]["uid"])
	assert.Equal(t, "/usr/bin/sort", lines[0]["program"])
	assert.Equal(t, "abc123", lines[0]["hexdigest"])
	assert.Equal(t, true, lines[0]["permitted"])
}

func TestFileSinkThrottlesWarnFlood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	sink := event.NewFileSink(path, logger.Nop())

	const flood = 200
	for i := 0; i < flood; i++ {
		sink.SendLogEvent(event.ClassWarn, "blocked")
	}

	lines := readLines(t, path)
	assert.Less(t, len(lines), flood, "warn flood must be throttled")
	assert.GreaterOrEqual(t, len(lines), 50, "the burst allowance must land")
}

func TestFileSinkUnwritablePathIsFireAndForget(t *testing.T) {
	sink := event.NewFileSink("/nonexistent-dir/events.ndjson", logger.Nop())
	assert.NotPanics(t, func() {
		sink.SendLogEvent(event.ClassInfo, "dropped on the floor")
		sink.SendExecEvent(0, "/bin/true", "", true)
	})
}

func TestProgramDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0755))

	digest, err := event.ProgramDigest(path)
	require.NoError(t, err)
	assert.Len(t, digest, 64, "SHA3-256 hex digest")

	again, err := event.ProgramDigest(path)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	_, err = event.ProgramDigest(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
