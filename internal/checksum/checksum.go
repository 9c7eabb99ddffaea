// Package checksum computes and verifies archive digests. The digest
// algorithm is a negotiated capability: the configured preference is tried
// first, then an ordered list of alternatives, strongest first. The
// selected provider is chosen once at startup and injected.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tis24dev/treesave/internal/logging"
)

var (
	// ErrNoChecksumTool is returned when no digest capability is available.
	ErrNoChecksumTool = errors.New("no checksum algorithm available")

	// ErrIntegrityCheckFailed is returned when a recomputed digest does not
	// match the stored sidecar. Fatal for the run; the archive is left on
	// disk for inspection.
	ErrIntegrityCheckFailed = errors.New("archive integrity check failed")
)

// Provider is a selected digest capability.
type Provider struct {
	name    string
	newHash func() hash.Hash
}

// providers is the fallback order, strongest first.
var providers = []Provider{
	{"sha512", func() hash.Hash { return sha512.New() }},
	{"sha256", func() hash.Hash { return sha256.New() }},
	{"sha1", func() hash.Hash { return sha1.New() }},
	{"md5", func() hash.Hash { return md5.New() }},
}

// Name returns the algorithm name, which is also the sidecar extension.
func (p *Provider) Name() string {
	return p.name
}

// SidecarPath returns the sidecar path for an archive under this provider.
func (p *Provider) SidecarPath(archivePath string) string {
	return archivePath + "." + p.name
}

// Select returns the digest provider for the given preference. An empty
// preference selects the strongest available algorithm; an unknown
// preference falls through the ordered alternatives with a warning.
func Select(preferred string, logger *logging.Logger) (*Provider, error) {
	if len(providers) == 0 {
		return nil, ErrNoChecksumTool
	}

	preferred = strings.ToLower(strings.TrimSpace(preferred))
	if preferred == "" || preferred == "strongest" {
		p := providers[0]
		logger.Debug("Checksum algorithm selected: %s (strongest available)", p.name)
		return &p, nil
	}

	for i := range providers {
		if providers[i].name == preferred {
			logger.Debug("Checksum algorithm selected: %s (configured preference)", preferred)
			return &providers[i], nil
		}
	}

	fallback := providers[0]
	logger.Warning("Checksum algorithm %q not available, falling back to %s", preferred, fallback.name)
	return &fallback, nil
}

// KnownSidecar reports whether path looks like a sidecar produced by any
// known digest algorithm, and if so returns the archive path it belongs to.
func KnownSidecar(path string) (string, bool) {
	for _, p := range providers {
		suffix := "." + p.name
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix), true
		}
	}
	return "", false
}

// FindSidecar returns the existing sidecar for an archive, trying every
// known algorithm extension. The empty string means no sidecar exists.
func FindSidecar(archivePath string) string {
	for _, p := range providers {
		candidate := archivePath + "." + p.name
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Compute calculates the digest of a file, streaming in 32 KiB chunks with
// context cancellation checks between reads.
func (p *Provider) Compute(ctx context.Context, filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	h := p.newHash()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, err := file.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("failed to write to hash: %w", err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeAndStore writes the archive's digest sidecar in the canonical
// "<digest>  <filename>" line format and returns the sidecar path.
func (p *Provider) ComputeAndStore(ctx context.Context, logger *logging.Logger, archivePath string) (string, error) {
	logger.Debug("Generating %s checksum for: %s", p.name, archivePath)

	digest, err := p.Compute(ctx, archivePath)
	if err != nil {
		return "", err
	}

	sidecarPath := p.SidecarPath(archivePath)
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(archivePath))
	if err := os.WriteFile(sidecarPath, []byte(line), 0640); err != nil {
		return "", fmt.Errorf("failed to write checksum sidecar: %w", err)
	}

	logger.Debug("Checksum sidecar written: %s", sidecarPath)
	return sidecarPath, nil
}

// Verify recomputes the archive digest and compares it byte-for-byte with
// the stored sidecar. Any mismatch is ErrIntegrityCheckFailed.
func (p *Provider) Verify(ctx context.Context, logger *logging.Logger, archivePath, sidecarPath string) error {
	stored, storedName, err := readSidecar(sidecarPath)
	if err != nil {
		return err
	}

	if storedName != "" && storedName != filepath.Base(archivePath) {
		return fmt.Errorf("%w: sidecar records filename %q, archive is %q",
			ErrIntegrityCheckFailed, storedName, filepath.Base(archivePath))
	}

	actual, err := p.Compute(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("failed to recompute digest: %w", err)
	}

	if actual != stored {
		logger.Error("Checksum mismatch for %s: expected %s, got %s", archivePath, stored, actual)
		return fmt.Errorf("%w: digest mismatch", ErrIntegrityCheckFailed)
	}

	logger.Debug("Checksum verification passed for %s", archivePath)
	return nil
}

// readSidecar parses a "<digest>  <filename>" sidecar line.
func readSidecar(sidecarPath string) (digest, filename string, err error) {
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read checksum sidecar: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", "", fmt.Errorf("%w: sidecar %s is empty", ErrIntegrityCheckFailed, sidecarPath)
	}
	digest = strings.ToLower(fields[0])
	if len(fields) > 1 {
		filename = fields[1]
	}
	return digest, filename, nil
}
