package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tis24dev/treesave/internal/backup"
	"github.com/tis24dev/treesave/internal/fsprobe"
	"github.com/tis24dev/treesave/internal/notify"
	"github.com/tis24dev/treesave/internal/retention"
	"github.com/tis24dev/treesave/internal/storage"
	"github.com/tis24dev/treesave/internal/types"
)

// BackupResult summarizes a completed backup run.
type BackupResult struct {
	ArchivePath     string
	SidecarPath     string
	ArchiveSize     int64
	ArchivesKept    int
	ArchivesDeleted int
	DeletionsFailed int
}

// RunBackup executes the full backup lifecycle for sourcePath and returns
// the process exit code. All stages run strictly in sequence; the first
// fatal error aborts the remaining stages, releases the lock, and
// notifies.
func (c *Controller) RunBackup(ctx context.Context, sourcePath string) (types.ExitCode, error) {
	r := c.newRun()
	defer r.releaseLock()

	result, err := c.runBackupStages(ctx, r, sourcePath)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.transition(StateInterrupted)
			r.releaseLock()
			c.logger.Warning("Backup interrupted: %v", err)
			r.notifyOutcome(&notify.NotificationData{
				Status:        notify.StatusInterrupted,
				StatusMessage: "backup interrupted by external signal",
				Operation:     "backup",
			})
			return types.ExitInterrupted, fmt.Errorf("%w: %v", errInterrupted, err)
		}

		r.transition(StateFailed)
		r.releaseLock()
		c.logger.Failed("Backup failed: %v", err)
		r.notifyOutcome(&notify.NotificationData{
			Status:        notify.StatusFailure,
			StatusMessage: err.Error(),
			Operation:     "backup",
		})
		return types.ExitError, err
	}

	r.transition(StateDone)
	r.releaseLock()
	c.logger.Success("Backup completed: %s", filepath.Base(result.ArchivePath))
	r.notifyOutcome(&notify.NotificationData{
		Status:          notify.StatusSuccess,
		Operation:       "backup",
		ArchiveFile:     filepath.Base(result.ArchivePath),
		ArchiveSize:     backup.FormatBytes(result.ArchiveSize),
		ArchivesKept:    result.ArchivesKept,
		ArchivesDeleted: result.ArchivesDeleted,
		DeletionsFailed: result.DeletionsFailed,
	})
	return types.ExitSuccess, nil
}

func (c *Controller) runBackupStages(ctx context.Context, r *run, sourcePath string) (*BackupResult, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source path unusable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path is not a directory: %s", sourcePath)
	}

	// The digest capability is negotiated before any work happens; a
	// system with no usable algorithm fails before touching the lock.
	digest, err := c.selectDigest()
	if err != nil {
		return nil, err
	}

	recipients, err := c.loadRecipients()
	if err != nil {
		return nil, err
	}
	if c.cfg.EncryptArchive && len(recipients) == 0 {
		return nil, fmt.Errorf("encryption enabled but no age recipients configured")
	}

	if err := r.acquireLock(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo := c.newRepository()
	if err := repo.EnsureExists(); err != nil {
		return nil, err
	}

	// Pre-flight capacity check. A probe failure skips the check with a
	// warning; only a confirmed shortfall aborts.
	probe := fsprobe.New(c.logger)
	if err := probe.CheckCapacity(sourcePath, c.cfg.BackupPath); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	archiver := backup.NewArchiver(c.logger, &backup.ArchiverConfig{
		Compression:     c.cfg.CompressionType,
		ExcludePatterns: c.cfg.ExcludePatterns,
		DryRun:          c.cfg.DryRun,
		EncryptArchive:  c.cfg.EncryptArchive,
		AgeRecipients:   recipients,
	})

	// Resolve compression before naming the archive so the filename
	// extension matches what actually gets written.
	effective := archiver.ResolveCompression()
	archiveName := storage.FormatFilename(time.Now(), effective, c.cfg.EncryptArchive)
	archivePath := filepath.Join(c.cfg.BackupPath, archiveName)

	c.logger.Step("Creating archive %s from %s", archiveName, sourcePath)
	if err := archiver.CreateArchive(ctx, sourcePath, archivePath); err != nil {
		return nil, err
	}
	r.transition(StateArchived)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &BackupResult{ArchivePath: archivePath}
	if !c.cfg.DryRun {
		if fi, err := os.Stat(archivePath); err == nil {
			result.ArchiveSize = fi.Size()
		}
	}

	c.logger.Step("Computing %s checksum", digest.Name())
	if c.cfg.DryRun {
		c.logger.Info("[DRY RUN] Would write checksum sidecar: %s", digest.SidecarPath(archivePath))
	} else {
		sidecarPath, err := digest.ComputeAndStore(ctx, c.logger, archivePath)
		if err != nil {
			return nil, err
		}
		result.SidecarPath = sidecarPath
	}
	r.transition(StateChecksummed)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.logger.Step("Verifying archive integrity")
	if c.cfg.DryRun {
		c.logger.Info("[DRY RUN] Would verify checksum and run decode test")
	} else {
		if err := digest.Verify(ctx, c.logger, archivePath, result.SidecarPath); err != nil {
			return nil, err
		}
		if err := archiver.DecodeTest(ctx, archivePath, c.loadIdentities()); err != nil {
			return nil, err
		}
	}
	r.transition(StateVerified)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Retention always re-reads the destination listing fresh; the new
	// archive competes for quota slots like any other.
	c.logger.Step("Applying retention policy (%d daily, %d weekly, %d monthly)",
		c.cfg.RetentionDaily, c.cfg.RetentionWeekly, c.cfg.RetentionMonthly)
	backups, err := repo.List(ctx)
	if err != nil {
		return nil, err
	}
	plan := retention.Classify(backups, retention.Policy{
		Daily:   c.cfg.RetentionDaily,
		Weekly:  c.cfg.RetentionWeekly,
		Monthly: c.cfg.RetentionMonthly,
	})
	deleted, failed := retention.Apply(ctx, repo, plan, c.cfg.DryRun, c.logger)
	result.ArchivesKept = len(plan.Keep)
	result.ArchivesDeleted = deleted
	result.DeletionsFailed = failed
	r.transition(StateRetained)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
