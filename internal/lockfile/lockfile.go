// Package lockfile provides process-exclusive locking for a backup
// destination. The lock is a single on-disk file recording the owning
// process identity; a lock whose owner is no longer alive is stale and may
// be reclaimed by anyone.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tis24dev/treesave/internal/logging"
)

// ErrBusy is returned when the lock is held by a live process. Callers must
// treat it as terminal for the run and must not retry automatically.
var ErrBusy = errors.New("another backup is in progress")

// Indirections over os functions so tests can inject controlled failures.
var (
	osStat      = os.Stat
	osRemove    = os.Remove
	osWriteFile = os.WriteFile
	osReadFile  = os.ReadFile
	getpid      = os.Getpid

	// processAlive reports whether the given pid belongs to a running
	// process. Signal 0 probes without delivering; EPERM still means alive.
	processAlive = func(pid int) bool {
		proc, err := os.FindProcess(pid)
		if err != nil {
			return false
		}
		err = proc.Signal(syscall.Signal(0))
		if err == nil {
			return true
		}
		return errors.Is(err, syscall.EPERM)
	}
)

// Handle represents an acquired lock. Release is safe to call multiple
// times and from deferred cleanup paths.
type Handle struct {
	path     string
	pid      int
	logger   *logging.Logger
	released bool
}

// Manager acquires and releases destination locks.
type Manager struct {
	logger *logging.Logger
}

// NewManager creates a lock manager.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{logger: logger}
}

// Acquire takes the lock at path. If the lock file exists and its recorded
// owner is alive, Acquire fails with ErrBusy. A missing file or a dead
// owner results in the lock being (re)written with the caller's identity.
func (m *Manager) Acquire(path string) (*Handle, error) {
	if data, err := osReadFile(path); err == nil {
		ownerPID, ok := parseOwnerPID(data)
		if ok && processAlive(ownerPID) {
			m.logger.Debug("Lock %s held by live process %d", path, ownerPID)
			return nil, fmt.Errorf("%w (pid %d)", ErrBusy, ownerPID)
		}
		if ok {
			m.logger.Warning("Reclaiming stale lock file %s (owner pid %d is not running)", path, ownerPID)
		} else {
			m.logger.Warning("Reclaiming unreadable lock file %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read lock file %s: %w", path, err)
	}

	pid := getpid()
	hostname, _ := os.Hostname()
	content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", pid, hostname, time.Now().Format(time.RFC3339))
	if err := osWriteFile(path, []byte(content), 0640); err != nil {
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	m.logger.Debug("Lock acquired: %s (pid %d)", path, pid)
	return &Handle{path: path, pid: pid, logger: m.logger}, nil
}

// Release removes the lock file, but only if its current owner identity
// still matches the handle. A foreign lock (reclaimed by another process
// after a stale read) is never deleted. Release is idempotent.
func (h *Handle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	data, err := osReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot read lock file %s: %w", h.path, err)
	}

	ownerPID, ok := parseOwnerPID(data)
	if !ok || ownerPID != h.pid {
		h.logger.Warning("Lock %s no longer owned by this process (owner pid %d), leaving it in place", h.path, ownerPID)
		return nil
	}

	if err := osRemove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", h.path, err)
	}
	h.logger.Debug("Lock released: %s", h.path)
	return nil
}

// parseOwnerPID extracts the pid= line from the lock file content.
func parseOwnerPID(data []byte) (int, bool) {
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "pid=") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimPrefix(line, "pid="))
		if err != nil || pid <= 0 {
			return 0, false
		}
		return pid, true
	}
	return 0, false
}
