package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// DecodeTest proves a freshly written archive can be read back. It walks
// the full entry listing and extracts the first regular file to a discard
// sink. An archive with zero entries passes; the empty source is a valid
// state, not a corruption.
//
// An encrypted archive without a configured identity gets a degraded
// check: existence and a non-zero size. That is logged, not failed; the
// checksum sidecar still guards the ciphertext.
func (a *Archiver) DecodeTest(ctx context.Context, archivePath string, identities []age.Identity) error {
	if a.dryRun {
		a.logger.Info("[DRY RUN] Would run decode test on: %s", archivePath)
		return nil
	}

	a.logger.Debug("Running decode test on: %s", archivePath)

	if a.encryptArchive && len(identities) == 0 {
		info, err := os.Stat(archivePath)
		if err != nil {
			return fmt.Errorf("%w: archive not found: %v", ErrArchiveCorrupt, err)
		}
		if info.Size() == 0 {
			return fmt.Errorf("%w: archive is empty on disk", ErrArchiveCorrupt)
		}
		a.logger.Info("Decode test limited to existence check (encrypted archive, no identity configured)")
		return nil
	}

	stream, err := OpenArchiveStream(ctx, a.logger, archivePath, identities, a.deps)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrArchiveCorrupt, err)
	}
	defer stream.Close()

	entries := 0
	extracted := false
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
			return fmt.Errorf("%w: failed to read entry listing: %v", ErrArchiveCorrupt, err)
		}
		entries++

		// Extract the first regular file to a discard sink; one real
		// extraction proves the payload decodes, not just the headers.
		if !extracted && header.Typeflag == tar.TypeReg {
			if _, err := io.Copy(io.Discard, stream.Reader); err != nil {
				return fmt.Errorf("%w: failed to extract %s: %v", ErrArchiveCorrupt, header.Name, err)
			}
			a.logger.Debug("Decode test extracted entry: %s", header.Name)
			extracted = true
		}
	}

	if entries == 0 {
		a.logger.Info("Decode test passed: archive contains no entries (empty source)")
		return nil
	}

	a.logger.Debug("Decode test passed: %d entries listed", entries)
	return nil
}
