// Package orchestrator sequences the backup and restore lifecycles. Each
// run is a small state machine; the lock is released exactly once on every
// exit path, including cancellation.
package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/tis24dev/treesave/internal/checksum"
	"github.com/tis24dev/treesave/internal/config"
	"github.com/tis24dev/treesave/internal/lockfile"
	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/notify"
	"github.com/tis24dev/treesave/internal/storage"
	"github.com/tis24dev/treesave/internal/types"
)

// State is a lifecycle position of a run.
type State string

const (
	StateInit         State = "Init"
	StateLockAcquired State = "LockAcquired"
	StateArchived     State = "Archived"
	StateChecksummed  State = "Checksummed"
	StateVerified     State = "Verified"
	StateRetained     State = "Retained"
	StateDone         State = "Done"
	StateRestored     State = "Restored"
	StateFailed       State = "Failed"
	StateInterrupted  State = "Interrupted"
)

// lockFileName is the lock file created inside the configured lock
// directory. One lock per destination bounds concurrency to one active run.
const lockFileName = "treesave.lock"

// Controller runs backup and restore lifecycles against one configuration.
type Controller struct {
	cfg      *config.Config
	logger   *logging.Logger
	locks    *lockfile.Manager
	notifier notify.Notifier
}

// New creates a controller. The notifier may be nil-enabled; dispatch is a
// no-op when no address is configured.
func New(cfg *config.Config, logger *logging.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		logger:   logger,
		locks:    lockfile.NewManager(logger),
		notifier: notify.NewEmailNotifier(logger, cfg.NotifyEmail, cfg.NotifySink),
	}
}

// run tracks the per-invocation lifecycle: the current state and the
// one-shot lock release.
type run struct {
	controller  *Controller
	state       State
	lock        *lockfile.Handle
	releaseOnce sync.Once
	startedAt   time.Time
}

func (c *Controller) newRun() *run {
	return &run{
		controller: c,
		state:      StateInit,
		startedAt:  time.Now(),
	}
}

// transition moves the run to the next state with a debug trace.
func (r *run) transition(next State) {
	r.controller.logger.Debug("State transition: %s -> %s", r.state, next)
	r.state = next
}

// releaseLock releases the run's lock exactly once. Safe to call from any
// exit path; later calls are no-ops.
func (r *run) releaseLock() {
	r.releaseOnce.Do(func() {
		if r.lock == nil {
			return
		}
		if err := r.lock.Release(); err != nil {
			r.controller.logger.Warning("Failed to release lock: %v", err)
		}
	})
}

// acquireLock acquires the destination lock and moves to LockAcquired.
func (r *run) acquireLock() error {
	c := r.controller
	lockDir := c.cfg.LockPath
	if lockDir == "" {
		lockDir = c.cfg.BackupPath
	}
	if err := os.MkdirAll(lockDir, 0700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	handle, err := c.locks.Acquire(filepath.Join(lockDir, lockFileName))
	if err != nil {
		return err
	}
	r.lock = handle
	r.transition(StateLockAcquired)
	return nil
}

// notifyOutcome appends the completion notification when an address is
// configured. Delivery failures never change the run's outcome.
func (r *run) notifyOutcome(data *notify.NotificationData) {
	c := r.controller
	if c.notifier == nil || !c.notifier.IsEnabled() {
		return
	}
	data.Hostname = hostname()
	data.StartedAt = r.startedAt
	data.Duration = time.Since(r.startedAt)
	data.WarningCount = boolToCount(c.logger.HasWarnings())
	data.ErrorCount = boolToCount(c.logger.HasErrors())
	data.LogFilePath = c.logger.GetLogFilePath()
	if err := c.notifier.Send(data); err != nil {
		c.logger.Warning("Failed to send notification: %v", err)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func boolToCount(b bool) int {
	if b {
		return 1
	}
	return 0
}

// selectDigest negotiates the digest capability once per run.
func (c *Controller) selectDigest() (*checksum.Provider, error) {
	provider, err := checksum.Select(c.cfg.ChecksumAlgorithm, c.logger)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// newRepository returns a handle on the configured destination.
func (c *Controller) newRepository() *storage.Repository {
	return storage.NewRepository(c.cfg.BackupPath, c.logger)
}

// loadRecipients parses the configured age recipients.
func (c *Controller) loadRecipients() ([]age.Recipient, error) {
	recipients := make([]age.Recipient, 0, len(c.cfg.AgeRecipients))
	for _, raw := range c.cfg.AgeRecipients {
		recipient, err := age.ParseX25519Recipient(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid age recipient %q: %w", raw, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// loadIdentities reads the configured age identity file. A missing or
// unreadable file degrades to no identities with a warning; encrypted
// archives then get the reduced decode test.
func (c *Controller) loadIdentities() []age.Identity {
	if c.cfg.AgeIdentityFile == "" {
		return nil
	}
	file, err := os.Open(c.cfg.AgeIdentityFile)
	if err != nil {
		c.logger.Warning("Cannot open age identity file %s: %v", c.cfg.AgeIdentityFile, err)
		return nil
	}
	defer file.Close()

	identities, err := age.ParseIdentities(file)
	if err != nil {
		c.logger.Warning("Cannot parse age identity file %s: %v", c.cfg.AgeIdentityFile, err)
		return nil
	}
	return identities
}

// classifyExit maps a failure to the process exit code: cancellation is
// distinct from every other error.
func classifyExit(err error) types.ExitCode {
	if errors.Is(err, errInterrupted) {
		return types.ExitInterrupted
	}
	return types.ExitError
}

var errInterrupted = errors.New("operation interrupted")
