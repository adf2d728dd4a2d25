//go:build unix

package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFile records the running daemon's PID
type pidFile string

// acquire writes our PID with O_EXCL. A file left by a dead process is
// replaced.
func (p pidFile) acquire() error {
	path := string(p)
	if err := ensureParentDir(path); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			return werr
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create PID file: %w", err)
		}
		if old, err := p.read(); err == nil && isProcessAlive(old) {
			return fmt.Errorf("daemon already running (PID: %d)", old)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("stale pidfile exists and cannot remove: %w", err)
		}
	}
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (p pidFile) remove() {
	_ = os.Remove(string(p))
}

// isProcessAlive sends signal 0 to pid
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// ensureParentDir creates path's parent directory, owner only
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	// best effort
	_ = os.Chmod(dir, 0o700)
	return nil
}

// removeSocketIfExists removes path only if it is a socket
func removeSocketIfExists(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to remove non-socket path: %s", path)
	}
	return os.Remove(path)
}
