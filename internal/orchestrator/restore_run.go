package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/tis24dev/treesave/internal/notify"
	"github.com/tis24dev/treesave/internal/restore"
	"github.com/tis24dev/treesave/internal/types"
)

// RunRestore resolves archiveRef and extracts it into destDir. The restore
// lifecycle shares the destination lock with backups, so a restore never
// races a retention sweep over the same archive.
func (c *Controller) RunRestore(ctx context.Context, archiveRef, destDir string) (types.ExitCode, error) {
	r := c.newRun()
	defer r.releaseLock()

	archivePath, err := c.runRestoreStages(ctx, r, archiveRef, destDir)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.transition(StateInterrupted)
			r.releaseLock()
			c.logger.Warning("Restore interrupted: %v", err)
			r.notifyOutcome(&notify.NotificationData{
				Status:        notify.StatusInterrupted,
				StatusMessage: "restore interrupted by external signal",
				Operation:     "restore",
			})
			return types.ExitInterrupted, fmt.Errorf("%w: %v", errInterrupted, err)
		}

		r.transition(StateFailed)
		r.releaseLock()
		c.logger.Failed("Restore failed: %v", err)
		r.notifyOutcome(&notify.NotificationData{
			Status:        notify.StatusFailure,
			StatusMessage: err.Error(),
			Operation:     "restore",
		})
		return types.ExitError, err
	}

	r.transition(StateRestored)
	r.releaseLock()
	c.logger.Success("Restore completed: %s -> %s", filepath.Base(archivePath), destDir)
	r.notifyOutcome(&notify.NotificationData{
		Status:      notify.StatusSuccess,
		Operation:   "restore",
		ArchiveFile: filepath.Base(archivePath),
	})
	return types.ExitSuccess, nil
}

func (c *Controller) runRestoreStages(ctx context.Context, r *run, archiveRef, destDir string) (string, error) {
	// Resolve before locking so an unknown reference fails fast without
	// disturbing a concurrent backup.
	repo := c.newRepository()
	archivePath, err := repo.Resolve(archiveRef)
	if err != nil {
		return "", err
	}

	if err := r.acquireLock(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	restorer := restore.NewRestorer(c.logger, &restore.RestorerConfig{
		Identities: c.loadIdentities(),
		DryRun:     c.cfg.DryRun,
	})

	c.logger.Step("Restoring %s into %s", filepath.Base(archivePath), destDir)
	if err := restorer.Restore(ctx, archivePath, destDir); err != nil {
		return "", err
	}
	return archivePath, nil
}
