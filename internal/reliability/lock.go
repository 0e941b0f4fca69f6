// Package reliability covers process-level safety: the startup lock
// that enforces the single-writer invariant, and off-site database
// backups.
package reliability

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

const lockFileName = "kairos.lock"

// Lock is an exclusive process lock over a data directory. At most one
// engine instance may write to the store; a second instance refuses to
// start.
type Lock struct {
	path string
	log  zerolog.Logger
}

// AcquireLock takes the data-directory lock. A lock held by a live
// process is an error; a stale lock left by a dead process is removed
// and re-acquired once.
func AcquireLock(dataDir string, log zerolog.Logger) (*Lock, error) {
	path := filepath.Join(dataDir, lockFileName)
	l := &Lock{
		path: path,
		log:  log.With().Str("component", "process_lock").Logger(),
	}

	if err := l.tryCreate(); err == nil {
		return l, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	// Lock file exists. If its owner is gone, the lock is stale.
	pid, readErr := l.ownerPID()
	if readErr == nil && pid > 0 && processAlive(pid) {
		return nil, fmt.Errorf("another instance is running (pid %d, lock %s)", pid, path)
	}

	l.log.Warn().Int("stale_pid", pid).Msg("Removing stale lock file")
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
	}
	if err := l.tryCreate(); err != nil {
		return nil, fmt.Errorf("failed to re-acquire lock: %w", err)
	}
	return l, nil
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		return err
	}
	l.log.Info().Str("path", l.path).Msg("Process lock acquired")
	return nil
}

func (l *Lock) ownerPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Release drops the lock. Safe to call once at shutdown.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// processAlive reports whether a pid refers to a live process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without affecting the target.
	return proc.Signal(syscall.Signal(0)) == nil
}
