// Package fsprobe reports destination capacity and source tree size for the
// pre-flight space check. Both probes are best effort: a probe that cannot
// be determined skips the capacity check instead of blocking the backup.
package fsprobe

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"

	"github.com/tis24dev/treesave/internal/logging"
)

// ErrInsufficientSpace is returned when the destination cannot hold the
// estimated archive plus safety margin.
var ErrInsufficientSpace = errors.New("insufficient disk space at destination")

const safetyMarginBytes = 1 << 20 // 1 MiB on top of the 10% buffer

var statfs = syscall.Statfs

// Probe measures source size and destination capacity.
type Probe struct {
	logger *logging.Logger
}

// New creates a filesystem probe.
func New(logger *logging.Logger) *Probe {
	return &Probe{logger: logger}
}

// SourceSize returns the total size in bytes of regular files under path.
// Unreadable entries are skipped rather than failing the walk.
func (p *Probe) SourceSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(entry string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Debug("Skipping unreadable path during size probe: %s (%v)", entry, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// AvailableSpace returns the number of bytes available to unprivileged
// writers on the filesystem holding path.
func (p *Probe) AvailableSpace(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// RequiredSpace estimates the space needed for an archive of a source of
// the given size: 10% compression headroom plus a fixed 1 MiB margin.
func RequiredSpace(sourceSize int64) int64 {
	return sourceSize + sourceSize/10 + safetyMarginBytes
}

// CheckCapacity verifies the destination can hold an archive of the source
// tree. When either probe fails the check is skipped entirely (logged), it
// is never treated as a zero-byte result.
func (p *Probe) CheckCapacity(sourcePath, destDir string) error {
	srcSize, err := p.SourceSize(sourcePath)
	if err != nil {
		p.logger.Warning("Cannot determine source size of %s, skipping capacity check: %v", sourcePath, err)
		return nil
	}

	avail, err := p.AvailableSpace(destDir)
	if err != nil {
		p.logger.Warning("Cannot determine free space at %s, skipping capacity check: %v", destDir, err)
		return nil
	}

	required := RequiredSpace(srcSize)
	p.logger.Debug("Capacity check: source=%d bytes, required=%d bytes, available=%d bytes",
		srcSize, required, avail)

	if avail < required {
		return fmt.Errorf("%w: %d bytes available, %d bytes required", ErrInsufficientSpace, avail, required)
	}
	return nil
}
