// Package restore extracts an archive into a destination directory. Entry
// paths are sanitized so no archive content can escape the destination
// root, and symlinks with absolute or escaping targets are rejected.
package restore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/tis24dev/treesave/internal/backup"
	"github.com/tis24dev/treesave/internal/logging"
)

var (
	// ErrCannotCreateDir is returned when the destination directory cannot
	// be created.
	ErrCannotCreateDir = errors.New("cannot create destination directory")

	// ErrRestoreFailed is returned when extraction fails partway. Whatever
	// was already extracted stays on disk.
	ErrRestoreFailed = errors.New("restore failed")
)

// Restorer extracts archives into a destination tree.
type Restorer struct {
	logger     *logging.Logger
	identities []age.Identity
	dryRun     bool
	deps       backup.ArchiverDeps
}

// RestorerConfig holds configuration for restore runs.
type RestorerConfig struct {
	Identities []age.Identity
	DryRun     bool
}

// NewRestorer creates a restorer.
func NewRestorer(logger *logging.Logger, config *RestorerConfig) *Restorer {
	return &Restorer{
		logger:     logger,
		identities: append([]age.Identity(nil), config.Identities...),
		dryRun:     config.DryRun,
		deps:       backup.ArchiverDeps{},
	}
}

// Restore extracts the full archive into destRoot, creating it if needed.
func (r *Restorer) Restore(ctx context.Context, archivePath, destRoot string) error {
	if r.dryRun {
		r.logger.Info("[DRY RUN] Would restore %s into %s", filepath.Base(archivePath), destRoot)
		return nil
	}

	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCannotCreateDir, destRoot, err)
	}

	stream, err := backup.OpenArchiveStream(ctx, r.logger, archivePath, r.identities, r.deps)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	defer stream.Close()

	extracted := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := stream.Reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: failed to read archive entry: %v", ErrRestoreFailed, err)
		}

		if err := r.extractEntry(stream.Reader, header, destRoot); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRestoreFailed, header.Name, err)
		}
		extracted++
	}

	r.logger.Debug("Restored %d entries into %s", extracted, destRoot)
	return nil
}

// sanitizeTarget maps an archive entry name to a path inside destRoot,
// rejecting anything that would escape it.
func sanitizeTarget(destRoot, entryName string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(entryName, "./")))
	if cleaned == "." {
		return "", fmt.Errorf("empty entry name")
	}
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal path: %s", entryName)
	}
	return filepath.Join(destRoot, cleaned), nil
}

// extractEntry extracts a single tar entry, preserving mode and, best
// effort, ownership.
func (r *Restorer) extractEntry(tarReader *tar.Reader, header *tar.Header, destRoot string) error {
	target, err := sanitizeTarget(destRoot, header.Name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return r.extractDirectory(target, header)
	case tar.TypeReg:
		return r.extractRegularFile(tarReader, target, header)
	case tar.TypeSymlink:
		return r.extractSymlink(target, header, destRoot)
	default:
		r.logger.Debug("Skipping unsupported file type %d: %s", header.Typeflag, header.Name)
		return nil
	}
}

func (r *Restorer) extractDirectory(target string, header *tar.Header) error {
	if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.Chown(target, header.Uid, header.Gid); err != nil {
		r.logger.Debug("Failed to chown directory %s: %v", target, err)
	}
	if err := os.Chmod(target, os.FileMode(header.Mode)); err != nil {
		return fmt.Errorf("chmod directory: %w", err)
	}
	return nil
}

func (r *Restorer) extractRegularFile(tarReader *tar.Reader, target string, header *tar.Header) error {
	_ = os.Remove(target)

	outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer outFile.Close()

	if _, err := io.Copy(outFile, tarReader); err != nil {
		return fmt.Errorf("write file content: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Chown(target, header.Uid, header.Gid); err != nil {
		r.logger.Debug("Failed to chown file %s: %v", target, err)
	}
	if err := os.Chmod(target, os.FileMode(header.Mode)); err != nil {
		return fmt.Errorf("chmod file: %w", err)
	}
	if !header.ModTime.IsZero() {
		if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
			r.logger.Debug("Failed to set timestamps on %s: %v", target, err)
		}
	}
	return nil
}

func (r *Restorer) extractSymlink(target string, header *tar.Header, destRoot string) error {
	linkTarget := header.Linkname
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("absolute symlink target not allowed: %s", linkTarget)
	}

	// The resolved target must stay inside the destination root.
	resolved := filepath.Join(filepath.Dir(target), linkTarget)
	rel, err := filepath.Rel(destRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("symlink target escapes root: %s -> %s", header.Name, linkTarget)
	}

	_ = os.Remove(target)
	if err := os.Symlink(linkTarget, target); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	if err := os.Lchown(target, header.Uid, header.Gid); err != nil {
		r.logger.Debug("Failed to lchown symlink %s: %v", target, err)
	}
	return nil
}
