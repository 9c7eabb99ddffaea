package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"filippo.io/age"
	"github.com/tis24dev/treesave/internal/logging"
)

// ErrIdentityRequired is returned when an encrypted archive is opened
// without an age identity.
var ErrIdentityRequired = errors.New("archive is encrypted and no age identity is configured")

// ArchiveStream is a readable plaintext tar view of an archive on disk.
// Close releases the file handle and any decompression process.
type ArchiveStream struct {
	Reader  *tar.Reader
	closers []func() error
	cmd     *exec.Cmd
}

// Close releases the stream's resources in reverse acquisition order.
func (s *ArchiveStream) Close() error {
	var firstErr error
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OpenArchiveStream opens an archive for reading and returns a tar reader
// over its plaintext content. The pipeline is driven by the filename: an
// ".age" suffix adds age decryption, the compression extension selects the
// decompressor. External decompressors (zstd, xz) run as child processes
// reading the possibly-decrypted stream.
func OpenArchiveStream(ctx context.Context, logger *logging.Logger, archivePath string, identities []age.Identity, deps ArchiverDeps) (*ArchiveStream, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	stream := &ArchiveStream{closers: []func() error{file.Close}}
	var reader io.Reader = file

	name := archivePath
	if strings.HasSuffix(name, ".age") {
		if len(identities) == 0 {
			stream.Close()
			return nil, ErrIdentityRequired
		}
		decrypted, err := age.Decrypt(reader, identities...)
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("failed to decrypt archive: %w", err)
		}
		logger.Debug("Decrypting archive via age (streaming)")
		reader = decrypted
		name = strings.TrimSuffix(name, ".age")
	}

	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		gz, err := gzip.NewReader(reader)
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		stream.closers = append(stream.closers, gz.Close)
		reader = gz
	case strings.HasSuffix(name, ".tar.zst"):
		reader, err = startDecompressor(ctx, stream, reader, deps, "zstd", "-d", "-q", "-c")
		if err != nil {
			stream.Close()
			return nil, err
		}
	case strings.HasSuffix(name, ".tar.xz"):
		reader, err = startDecompressor(ctx, stream, reader, deps, "xz", "-d", "-c")
		if err != nil {
			stream.Close()
			return nil, err
		}
	case strings.HasSuffix(name, ".tar"):
		// Plain tar, nothing to wrap.
	default:
		stream.Close()
		return nil, fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	stream.Reader = tar.NewReader(reader)
	return stream, nil
}

func startDecompressor(ctx context.Context, stream *ArchiveStream, input io.Reader, deps ArchiverDeps, tool string, args ...string) (io.Reader, error) {
	commandContext := deps.CommandContext
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	if deps.LookPath != nil {
		if _, err := deps.LookPath(tool); err != nil {
			return nil, fmt.Errorf("%s command not available: %w", tool, err)
		}
	}

	cmd := commandContext(ctx, tool, args...)
	cmd.Stdin = input
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe %s output: %w", tool, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", tool, err)
	}
	stream.cmd = cmd
	return stdout, nil
}
