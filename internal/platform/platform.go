// Package platform wraps the OS facilities the interposition core needs
// without re-entering its own hooks: data file paths, file descriptor
// introspection, process identity, errno cells, and real symbol resolution.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
)

// DataPathEnv overrides the platform data directory. It exists for test
// fixtures and for hosts that relocate the WhiteBeam installation.
const DataPathEnv = "WB_DATA_PATH"

// DataDir returns the platform data directory.
func DataDir() string {
	if override := os.Getenv(DataPathEnv); override != "" {
		return override
	}
	if runtime.GOOS == "darwin" {
		return "/Applications/WhiteBeam/data"
	}
	return "/opt/WhiteBeam/data"
}

// DataFilePath returns the absolute path of a file in the data directory.
func DataFilePath(name string) string {
	return filepath.Join(DataDir(), name)
}

// CanonicalizeFD resolves a file descriptor to its current backing path.
// The result is absolute. Failure is treated by callers as fatal to the
// hooked call: an fd the kernel cannot name is indistinguishable from an
// attack.
func CanonicalizeFD(fd int) (string, error) {
	if fd < 0 {
		return "", fmt.Errorf("canonicalize fd %d: negative descriptor", fd)
	}
	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return "", fmt.Errorf("canonicalize fd %d: %w", fd, err)
	}
	// Deleted files resolve to "<path> (deleted)"; keep the path portion.
	path = strings.TrimSuffix(path, " (deleted)")
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("canonicalize fd %d: non-path target %q", fd, path)
	}
	return path, nil
}

// CurrentUID returns the effective uid of the host process.
func CurrentUID() int {
	return os.Geteuid()
}

// Getpgid returns the process group id of pid.
func Getpgid(pid int) (int, error) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0, fmt.Errorf("getpgid %d: %w", pid, err)
	}
	return pgid, nil
}

// CurrentExecutable returns the absolute path of the host program. The
// dynamic linker loads the interposer before main, so /proc/self/exe is
// the only trustworthy source of the program identity.
func CurrentExecutable() string {
	if path, err := os.Readlink("/proc/self/exe"); err == nil {
		return path
	}
	if path, err := os.Executable(); err == nil {
		return path
	}
	return ""
}
