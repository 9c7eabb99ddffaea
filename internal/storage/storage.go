// Package storage manages the archive destination directory: listing,
// filename parsing, and archive resolution. The archive filename is the
// sole source of truth for its timestamp; file mtimes are never consulted.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tis24dev/treesave/internal/checksum"
	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/types"
)

// ErrArchiveNotFound is returned when a restore reference resolves to no
// archive, neither as a path nor as a filename in the destination.
var ErrArchiveNotFound = errors.New("archive not found")

// archiveNamePattern matches "backup-YYYY-MM-DD-HHMM.<ext>" where <ext> is
// a supported archive extension, optionally with an encryption suffix.
var archiveNamePattern = regexp.MustCompile(
	`^backup-(\d{4})-(\d{2})-(\d{2})-(\d{2})(\d{2})\.tar(?:\.(?:gz|zst|xz))?(?:\.age)?$`)

// timestampLayout is the minute-resolution stamp embedded in filenames.
const timestampLayout = "2006-01-02-1504"

// FormatFilename builds the archive filename for a run started at t.
// Timestamps have minute resolution; two runs in the same minute produce
// the same name and the later one overwrites the earlier.
func FormatFilename(t time.Time, compression types.CompressionType, encrypted bool) string {
	name := "backup-" + t.Format(timestampLayout) + ".tar"
	if compression != types.CompressionNone {
		name += "." + compression.String()
	}
	if encrypted {
		name += ".age"
	}
	return name
}

// ParseFilename extracts the timestamp from an archive filename. The
// second return value is false for names that are not archives (sidecars,
// unrelated files, malformed stamps).
func ParseFilename(filename string) (time.Time, bool) {
	m := archiveNamePattern.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}, false
	}
	stamp := fmt.Sprintf("%s-%s-%s-%s%s", m[1], m[2], m[3], m[4], m[5])
	t, err := time.ParseInLocation(timestampLayout, stamp, time.Local)
	if err != nil {
		// Digits matched the shape but not the calendar (e.g. month 13).
		return time.Time{}, false
	}
	return t, true
}

// Repository is a handle on the archive destination directory.
type Repository struct {
	basePath string
	logger   *logging.Logger
}

// NewRepository creates a repository for the given destination directory.
func NewRepository(basePath string, logger *logging.Logger) *Repository {
	return &Repository{
		basePath: basePath,
		logger:   logger,
	}
}

// BasePath returns the destination directory.
func (r *Repository) BasePath() string {
	return r.basePath
}

// EnsureExists creates the destination directory if it is missing.
func (r *Repository) EnsureExists() error {
	if err := os.MkdirAll(r.basePath, 0700); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", r.basePath, err)
	}
	return nil
}

// List returns all archives in the destination, newest first. Files whose
// names do not parse as archives are skipped with a debug log; sidecars are
// paired with their archives, never listed on their own.
func (r *Repository) List(ctx context.Context) ([]types.BackupInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read destination directory %s: %w", r.basePath, err)
	}

	var backups []types.BackupInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, ok := checksum.KnownSidecar(name); ok {
			continue
		}

		ts, ok := ParseFilename(name)
		if !ok {
			r.logger.Debug("Skipping non-archive file in destination: %s", name)
			continue
		}

		fullPath := filepath.Join(r.basePath, name)
		info := types.BackupInfo{
			Timestamp:   ts,
			Filename:    name,
			Path:        fullPath,
			SidecarPath: checksum.FindSidecar(fullPath),
		}
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
		}
		backups = append(backups, info)
	}

	// Newest first. Ties (same minute) break on filename for stable output.
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].Timestamp.Equal(backups[j].Timestamp) {
			return backups[i].Filename > backups[j].Filename
		}
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

// Resolve maps a restore reference to an archive path. A reference that
// exists as a file path wins; otherwise it is tried as a filename inside
// the destination directory.
func (r *Repository) Resolve(ref string) (string, error) {
	if fi, err := os.Stat(ref); err == nil && !fi.IsDir() {
		return ref, nil
	}

	if !strings.ContainsRune(ref, os.PathSeparator) {
		candidate := filepath.Join(r.basePath, ref)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrArchiveNotFound, ref)
}

// Remove deletes an archive and its sidecar. A missing sidecar is not an
// error; a failed archive deletion is reported to the caller.
func (r *Repository) Remove(info types.BackupInfo) error {
	if err := os.Remove(info.Path); err != nil {
		return fmt.Errorf("failed to delete archive %s: %w", info.Filename, err)
	}
	if info.SidecarPath != "" {
		if err := os.Remove(info.SidecarPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warning("Failed to delete sidecar %s: %v", filepath.Base(info.SidecarPath), err)
		}
	}
	return nil
}
