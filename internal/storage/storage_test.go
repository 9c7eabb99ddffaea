package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/types"
)

func testLogger() *logging.Logger {
	logger := logging.New(types.LogLevelNone, false)
	logger.SetOutput(io.Discard)
	return logger
}

func TestFormatFilename(t *testing.T) {
	ts := time.Date(2024, 3, 5, 9, 7, 42, 0, time.Local)

	tests := []struct {
		compression types.CompressionType
		encrypted   bool
		want        string
	}{
		{types.CompressionGzip, false, "backup-2024-03-05-0907.tar.gz"},
		{types.CompressionZstd, false, "backup-2024-03-05-0907.tar.zst"},
		{types.CompressionXZ, false, "backup-2024-03-05-0907.tar.xz"},
		{types.CompressionNone, false, "backup-2024-03-05-0907.tar"},
		{types.CompressionZstd, true, "backup-2024-03-05-0907.tar.zst.age"},
	}

	for _, tt := range tests {
		got := FormatFilename(ts, tt.compression, tt.encrypted)
		if got != tt.want {
			t.Errorf("FormatFilename(%s, %v) = %q, want %q", tt.compression, tt.encrypted, got, tt.want)
		}
	}
}

func TestParseFilename(t *testing.T) {
	tests := []struct {
		name string
		want time.Time
		ok   bool
	}{
		{"backup-2024-03-05-0907.tar.gz", time.Date(2024, 3, 5, 9, 7, 0, 0, time.Local), true},
		{"backup-2024-12-31-2359.tar.zst", time.Date(2024, 12, 31, 23, 59, 0, 0, time.Local), true},
		{"backup-2024-03-05-0907.tar", time.Date(2024, 3, 5, 9, 7, 0, 0, time.Local), true},
		{"backup-2024-03-05-0907.tar.xz.age", time.Date(2024, 3, 5, 9, 7, 0, 0, time.Local), true},
		{"backup-2024-03-05-0907.tar.gz.sha256", time.Time{}, false},
		{"backup-2024-13-05-0907.tar.gz", time.Time{}, false}, // month 13
		{"notes.txt", time.Time{}, false},
		{"backup-2024-03-05.tar.gz", time.Time{}, false}, // missing HHMM
	}

	for _, tt := range tests {
		got, ok := ParseFilename(tt.name)
		if ok != tt.ok {
			t.Errorf("ParseFilename(%q) ok = %v, want %v", tt.name, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("ParseFilename(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestListSkipsNonArchives(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"backup-2024-01-02-1200.tar.gz",
		"backup-2024-01-01-0800.tar.gz",
		"backup-2024-01-01-0800.tar.gz.sha256",
		"unrelated.txt",
		"backup-corrupted-name.tar.gz",
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}

	repo := NewRepository(dir, testLogger())
	backups, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if len(backups) != 2 {
		t.Fatalf("List returned %d archives, want 2", len(backups))
	}
	// Newest first.
	if backups[0].Filename != "backup-2024-01-02-1200.tar.gz" {
		t.Errorf("first archive = %s, want newest", backups[0].Filename)
	}
	if backups[1].SidecarPath == "" {
		t.Error("sidecar not paired with its archive")
	}
	if backups[0].SidecarPath != "" {
		t.Errorf("unexpected sidecar on %s: %s", backups[0].Filename, backups[0].SidecarPath)
	}
}

func TestListMissingDestination(t *testing.T) {
	repo := NewRepository(filepath.Join(t.TempDir(), "nope"), testLogger())
	backups, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List on missing destination failed: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("List on missing destination returned %d archives", len(backups))
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "backup-2024-01-01-0900.tar.gz")
	if err := os.WriteFile(archive, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}

	repo := NewRepository(dir, testLogger())

	// Full path reference.
	if got, err := repo.Resolve(archive); err != nil || got != archive {
		t.Errorf("Resolve(path) = %q, %v", got, err)
	}

	// Bare filename reference resolves inside the destination.
	if got, err := repo.Resolve("backup-2024-01-01-0900.tar.gz"); err != nil || got != archive {
		t.Errorf("Resolve(filename) = %q, %v", got, err)
	}

	// Missing reference.
	if _, err := repo.Resolve("backup-1999-01-01-0000.tar.gz"); !errors.Is(err, ErrArchiveNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrArchiveNotFound", err)
	}
}

func TestRemoveDeletesSidecarToo(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "backup-2024-01-01-0900.tar.gz")
	sidecar := archive + ".sha256"
	for _, p := range []string{archive, sidecar} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", p, err)
		}
	}

	repo := NewRepository(dir, testLogger())
	info := types.BackupInfo{Path: archive, Filename: filepath.Base(archive), SidecarPath: sidecar}
	if err := repo.Remove(info); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	for _, p := range []string{archive, sidecar} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after Remove", p)
		}
	}
}
