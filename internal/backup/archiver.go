// Package backup creates archives from a source tree and runs the decode
// test that proves a fresh archive can be read back. Gzip runs in-process;
// zstd and xz go through the external tools, with availability negotiated
// at archive time and gzip as the fallback.
package backup

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/types"
)

var (
	// ErrArchiveFailed is returned when archive creation fails for any
	// reason. The run aborts and a partial output file may remain.
	ErrArchiveFailed = errors.New("archive creation failed")

	// ErrArchiveCorrupt is returned when the decode test cannot read back
	// an archive that was just written.
	ErrArchiveCorrupt = errors.New("archive failed decode test")
)

var lookPath = exec.LookPath

// ArchiverDeps groups external dependencies used by Archiver.
type ArchiverDeps struct {
	LookPath       func(string) (string, error)
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultArchiverDeps() ArchiverDeps {
	return ArchiverDeps{
		LookPath:       lookPath,
		CommandContext: exec.CommandContext,
	}
}

// WithLookPathOverride temporarily replaces lookPath (for tests) and
// returns a restore function to invoke with defer.
func WithLookPathOverride(fn func(string) (string, error)) func() {
	original := lookPath
	lookPath = fn
	return func() {
		lookPath = original
	}
}

// Archiver handles tar archive creation with compression.
type Archiver struct {
	logger               *logging.Logger
	compression          types.CompressionType
	requestedCompression types.CompressionType
	excludePatterns      []string
	dryRun               bool
	encryptArchive       bool
	ageRecipients        []age.Recipient
	deps                 ArchiverDeps
}

// ArchiverConfig holds configuration for archive creation.
type ArchiverConfig struct {
	Compression     types.CompressionType
	ExcludePatterns []string
	DryRun          bool
	EncryptArchive  bool
	AgeRecipients   []age.Recipient
}

// CompressionError represents an external compression tool failure.
type CompressionError struct {
	Algorithm string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s compression failed: %v", e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// NewArchiver creates a new archiver.
func NewArchiver(logger *logging.Logger, config *ArchiverConfig) *Archiver {
	return &Archiver{
		logger:               logger,
		compression:          config.Compression,
		requestedCompression: config.Compression,
		excludePatterns:      append([]string(nil), config.ExcludePatterns...),
		dryRun:               config.DryRun,
		encryptArchive:       config.EncryptArchive,
		ageRecipients:        append([]age.Recipient(nil), config.AgeRecipients...),
		deps:                 defaultArchiverDeps(),
	}
}

func (a *Archiver) cmd(ctx context.Context, name string, args ...string) *exec.Cmd {
	if a.deps.CommandContext != nil {
		return a.deps.CommandContext(ctx, name, args...)
	}
	return exec.CommandContext(ctx, name, args...)
}

func (a *Archiver) findPath(name string) (string, error) {
	if a.deps.LookPath != nil {
		return a.deps.LookPath(name)
	}
	return exec.LookPath(name)
}

// EffectiveCompression returns the compression algorithm currently in use.
func (a *Archiver) EffectiveCompression() types.CompressionType {
	return a.compression
}

// Encrypted reports whether archives are written through age encryption.
func (a *Archiver) Encrypted() bool {
	return a.encryptArchive
}

// ResolveCompression ensures the configured compression is available. If
// the requested tool is not on PATH it falls back to gzip, keeping the
// caller informed via logs.
func (a *Archiver) ResolveCompression() types.CompressionType {
	switch a.compression {
	case types.CompressionXZ:
		if _, err := a.findPath("xz"); err != nil {
			a.logger.Warning("xz command not available: %v", err)
			a.compression = types.CompressionGzip
		}
	case types.CompressionZstd:
		if _, err := a.findPath("zstd"); err != nil {
			a.logger.Warning("zstd command not available: %v", err)
			a.compression = types.CompressionGzip
		}
	case types.CompressionGzip, types.CompressionNone:
		// In-process, always available.
	default:
		a.logger.Warning("Unknown compression type %s, using gzip fallback", a.compression)
		a.compression = types.CompressionGzip
	}
	return a.compression
}

// CreateArchive creates a compressed tar archive from a directory.
func (a *Archiver) CreateArchive(ctx context.Context, sourceDir, outputPath string) error {
	actualCompression := a.ResolveCompression()
	if a.requestedCompression != actualCompression {
		a.logger.Warning("Requested compression %s unavailable, using %s instead",
			a.requestedCompression, actualCompression)
	}

	a.logger.Debug("Creating archive: %s -> %s (compression: %s)",
		sourceDir, outputPath, actualCompression)

	if a.dryRun {
		a.logger.Info("[DRY RUN] Would create archive: %s", outputPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
		return fmt.Errorf("%w: failed to create output directory: %v", ErrArchiveFailed, err)
	}

	var err error
	switch actualCompression {
	case types.CompressionGzip:
		err = a.createGzipArchive(ctx, sourceDir, outputPath)
	case types.CompressionXZ:
		err = a.createExternalArchive(ctx, sourceDir, outputPath, "xz", []string{"-6", "-T0", "-c"})
	case types.CompressionZstd:
		err = a.createExternalArchive(ctx, sourceDir, outputPath, "zstd", []string{"-T0", "-q", "-c"})
	case types.CompressionNone:
		err = a.createTarArchive(ctx, sourceDir, outputPath)
	default:
		err = fmt.Errorf("unsupported compression type: %s", actualCompression)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrArchiveFailed, err)
	}
	return nil
}

func (a *Archiver) wrapEncryptionWriter(base io.Writer) (io.Writer, func() error, error) {
	if !a.encryptArchive {
		return base, func() error { return nil }, nil
	}

	if len(a.ageRecipients) == 0 {
		return nil, nil, fmt.Errorf("encryption enabled but no age recipients configured")
	}

	writer, err := age.Encrypt(base, a.ageRecipients...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize age encryption: %w", err)
	}

	a.logger.Debug("Encrypting archive via age (streaming)")
	return writer, writer.Close, nil
}

// createGzipArchive streams the tar through Go's gzip writer.
func (a *Archiver) createGzipArchive(ctx context.Context, sourceDir, outputPath string) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	writer, finalizeEncryption, err := a.wrapEncryptionWriter(outFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := finalizeEncryption(); cerr != nil && err == nil {
			err = fmt.Errorf("finalize encrypted archive: %w", cerr)
		}
	}()

	gzWriter := gzip.NewWriter(writer)
	defer gzWriter.Close()

	if err := a.writeTar(ctx, sourceDir, gzWriter); err != nil {
		return fmt.Errorf("failed to write tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize gzip stream: %w", err)
	}
	return nil
}

// createTarArchive writes an uncompressed tar archive.
func (a *Archiver) createTarArchive(ctx context.Context, sourceDir, outputPath string) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	writer, finalizeEncryption, err := a.wrapEncryptionWriter(outFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := finalizeEncryption(); cerr != nil && err == nil {
			err = fmt.Errorf("finalize encrypted archive: %w", cerr)
		}
	}()

	if err := a.writeTar(ctx, sourceDir, writer); err != nil {
		return fmt.Errorf("failed to write tar archive: %w", err)
	}
	return nil
}

// createExternalArchive pipes the tar stream through an external
// compression command.
func (a *Archiver) createExternalArchive(ctx context.Context, sourceDir, outputPath, tool string, args []string) (err error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	cmd := a.cmd(ctx, tool, args...)
	pr, pw := io.Pipe()
	cmd.Stdin = pr

	writer, finalizeEncryption, err := a.wrapEncryptionWriter(outFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := finalizeEncryption(); cerr != nil && err == nil {
			err = fmt.Errorf("finalize encrypted archive: %w", cerr)
		}
	}()
	cmd.Stdout = writer
	if err := a.attachStderrLogger(cmd, tool); err != nil {
		return fmt.Errorf("capture %s output: %w", tool, err)
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		if err := a.writeTar(ctx, sourceDir, pw); err != nil {
			pw.CloseWithError(err)
			errChan <- err
			return
		}
		pw.Close()
		errChan <- nil
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		if startErr := <-errChan; startErr != nil {
			return startErr
		}
		return fmt.Errorf("failed to start %s: %w", tool, err)
	}

	if tarErr := <-errChan; tarErr != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return tarErr
	}

	if err := cmd.Wait(); err != nil {
		return &CompressionError{Algorithm: tool, Err: err}
	}
	return nil
}

func (a *Archiver) attachStderrLogger(cmd *exec.Cmd, algo string) error {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	tag := strings.ToUpper(algo)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			a.logger.Info("[%s] %s", tag, scanner.Text())
		}
	}()

	return nil
}

// writeTar writes the directory contents to the provided writer as a tar
// archive.
func (a *Archiver) writeTar(ctx context.Context, sourceDir string, w io.Writer) error {
	tarWriter := tar.NewWriter(w)
	err := a.addToTar(ctx, tarWriter, sourceDir)
	if closeErr := tarWriter.Close(); err == nil {
		err = closeErr
	}
	return err
}

// excluded matches a slash-separated relative path against the configured
// exclude patterns. A pattern matches against either the full relative
// path or the base name.
func (a *Archiver) excluded(relPath string) bool {
	base := filepath.Base(relPath)
	for _, pattern := range a.excludePatterns {
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// addToTar recursively adds files and directories to a tar archive.
// Symlinks are preserved, not followed. Unreadable entries are logged and
// skipped so one bad file never sinks the whole archive.
func (a *Archiver) addToTar(ctx context.Context, tarWriter *tar.Writer, sourceDir string) error {
	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			a.logger.Warning("Error accessing path %s: %v", path, err)
			return nil
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		slashPath := filepath.ToSlash(relPath)
		if a.excluded(slashPath) {
			a.logger.Debug("Excluded from archive: %s", slashPath)
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		linkInfo, err := os.Lstat(path)
		if err != nil {
			a.logger.Warning("Failed to stat path %s: %v", path, err)
			return nil
		}

		var linkTarget string
		if linkInfo.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				a.logger.Warning("Failed to read symlink %s: %v", path, err)
				return nil
			}
		}

		header, err := tar.FileInfoHeader(linkInfo, linkTarget)
		if err != nil {
			a.logger.Warning("Failed to create header for %s: %v", path, err)
			return nil
		}

		// Preserve uid/gid from the original file for restore.
		if stat, ok := linkInfo.Sys().(*syscall.Stat_t); ok {
			header.Uid = int(stat.Uid)
			header.Gid = int(stat.Gid)
			header.ModTime = time.Unix(stat.Mtim.Sec, stat.Mtim.Nsec)
		}
		header.Format = tar.FormatPAX

		name := slashPath
		if !strings.HasPrefix(name, "./") {
			name = "./" + name
		}
		header.Name = name

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}

		if linkInfo.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				a.logger.Warning("Failed to open file %s: %v", path, err)
				return nil
			}
			defer file.Close()

			if _, err := io.Copy(tarWriter, file); err != nil {
				return fmt.Errorf("failed to write file %s to archive: %w", path, err)
			}
		}

		return nil
	})
}

// GetArchiveExtension returns the filename extension for the effective
// compression, including the encryption suffix when enabled.
func (a *Archiver) GetArchiveExtension() string {
	var ext string
	switch a.compression {
	case types.CompressionGzip:
		ext = ".tar.gz"
	case types.CompressionXZ:
		ext = ".tar.xz"
	case types.CompressionZstd:
		ext = ".tar.zst"
	default:
		ext = ".tar"
	}
	if a.encryptArchive {
		ext += ".age"
	}
	return ext
}

// FormatBytes formats bytes in human-readable form.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
