package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/types"
)

func testLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(io.Discard)
	return logger
}

func writeSourceTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"notes.txt":          "hello",
		"sub/data.bin":       "payload",
		"sub/deeper/leaf.md": "leaf",
		"cache/tmp.swp":      "junk",
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	return dir
}

func listGzipArchive(t *testing.T, archivePath string) map[string]string {
	t.Helper()
	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("failed to open gzip stream: %v", err)
	}
	defer gz.Close()

	entries := make(map[string]string)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read tar entry: %v", err)
		}
		var content []byte
		if header.Typeflag == tar.TypeReg {
			content, err = io.ReadAll(tr)
			if err != nil {
				t.Fatalf("failed to read entry %s: %v", header.Name, err)
			}
		}
		entries[header.Name] = string(content)
	}
	return entries
}

func TestCreateGzipArchiveRoundTrip(t *testing.T) {
	src := writeSourceTree(t)
	out := filepath.Join(t.TempDir(), "backup-2024-01-01-1200.tar.gz")

	archiver := NewArchiver(testLogger(), &ArchiverConfig{Compression: types.CompressionGzip})
	if err := archiver.CreateArchive(context.Background(), src, out); err != nil {
		t.Fatalf("CreateArchive failed: %v", err)
	}

	entries := listGzipArchive(t, out)
	if got := entries["./notes.txt"]; got != "hello" {
		t.Errorf("notes.txt content = %q", got)
	}
	if got := entries["./sub/deeper/leaf.md"]; got != "leaf" {
		t.Errorf("nested file content = %q", got)
	}
	if _, ok := entries["./sub"]; !ok {
		t.Error("directory entry missing from archive")
	}
}

func TestCreateArchiveExcludePatterns(t *testing.T) {
	src := writeSourceTree(t)
	out := filepath.Join(t.TempDir(), "backup-2024-01-01-1200.tar.gz")

	archiver := NewArchiver(testLogger(), &ArchiverConfig{
		Compression:     types.CompressionGzip,
		ExcludePatterns: []string{"*.swp", "sub/deeper"},
	})
	if err := archiver.CreateArchive(context.Background(), src, out); err != nil {
		t.Fatalf("CreateArchive failed: %v", err)
	}

	entries := listGzipArchive(t, out)
	if _, ok := entries["./cache/tmp.swp"]; ok {
		t.Error("excluded file present in archive")
	}
	if _, ok := entries["./sub/deeper/leaf.md"]; ok {
		t.Error("file under excluded directory present in archive")
	}
	if _, ok := entries["./sub/data.bin"]; !ok {
		t.Error("non-excluded sibling missing from archive")
	}
}

func TestCreateArchiveDryRunWritesNothing(t *testing.T) {
	src := writeSourceTree(t)
	out := filepath.Join(t.TempDir(), "backup-2024-01-01-1200.tar.gz")

	archiver := NewArchiver(testLogger(), &ArchiverConfig{
		Compression: types.CompressionGzip,
		DryRun:      true,
	})
	if err := archiver.CreateArchive(context.Background(), src, out); err != nil {
		t.Fatalf("dry-run CreateArchive failed: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("dry run created an archive file")
	}
}

func TestResolveCompressionFallsBackToGzip(t *testing.T) {
	restore := WithLookPathOverride(func(string) (string, error) {
		return "", errors.New("not found")
	})
	defer restore()

	archiver := NewArchiver(testLogger(), &ArchiverConfig{Compression: types.CompressionZstd})
	archiver.deps = defaultArchiverDeps()

	if got := archiver.ResolveCompression(); got != types.CompressionGzip {
		t.Errorf("ResolveCompression = %s, want gzip fallback", got)
	}
	if ext := archiver.GetArchiveExtension(); ext != ".tar.gz" {
		t.Errorf("GetArchiveExtension after fallback = %s", ext)
	}
}

func TestGetArchiveExtension(t *testing.T) {
	tests := []struct {
		compression types.CompressionType
		encrypted   bool
		want        string
	}{
		{types.CompressionGzip, false, ".tar.gz"},
		{types.CompressionZstd, false, ".tar.zst"},
		{types.CompressionXZ, false, ".tar.xz"},
		{types.CompressionNone, false, ".tar"},
		{types.CompressionGzip, true, ".tar.gz.age"},
	}
	for _, tt := range tests {
		a := NewArchiver(testLogger(), &ArchiverConfig{
			Compression:    tt.compression,
			EncryptArchive: tt.encrypted,
		})
		if got := a.GetArchiveExtension(); got != tt.want {
			t.Errorf("GetArchiveExtension(%s, encrypted=%v) = %s, want %s",
				tt.compression, tt.encrypted, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{3 * 1024 * 1024, "3.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
