package fsprobe

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/tis24dev/treesave/internal/logging"
	"github.com/tis24dev/treesave/internal/types"
)

func testLogger() *logging.Logger {
	return logging.New(types.LogLevelNone, false)
}

func withStatfs(t *testing.T, fn func(path string, stat *syscall.Statfs_t) error) {
	t.Helper()
	original := statfs
	statfs = fn
	t.Cleanup(func() { statfs = original })
}

func TestSourceSize(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), make([]byte, 50), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(testLogger())
	size, err := p.SourceSize(dir)
	if err != nil {
		t.Fatalf("SourceSize failed: %v", err)
	}
	if size != 150 {
		t.Errorf("SourceSize = %d, want 150", size)
	}
}

func TestRequiredSpace(t *testing.T) {
	tests := []struct {
		source int64
		want   int64
	}{
		{0, 1 << 20},
		{100, 110 + 1<<20},
		{1000, 1100 + 1<<20},
	}
	for _, tt := range tests {
		if got := RequiredSpace(tt.source); got != tt.want {
			t.Errorf("RequiredSpace(%d) = %d, want %d", tt.source, got, tt.want)
		}
	}
}

func TestCheckCapacityInsufficient(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "big"), make([]byte, 4096), 0644); err != nil {
		t.Fatal(err)
	}

	// Destination reports zero available bytes.
	withStatfs(t, func(path string, stat *syscall.Statfs_t) error {
		stat.Bavail = 0
		stat.Bsize = 4096
		return nil
	})

	p := New(testLogger())
	err := p.CheckCapacity(dir, t.TempDir())
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}

func TestCheckCapacitySufficient(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "small"), make([]byte, 10), 0644); err != nil {
		t.Fatal(err)
	}

	withStatfs(t, func(path string, stat *syscall.Statfs_t) error {
		stat.Bavail = 1 << 20 // plenty
		stat.Bsize = 4096
		return nil
	})

	p := New(testLogger())
	if err := p.CheckCapacity(dir, t.TempDir()); err != nil {
		t.Fatalf("expected capacity check to pass, got %v", err)
	}
}

func TestCheckCapacitySkippedWhenProbeFails(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f"), make([]byte, 10), 0644); err != nil {
		t.Fatal(err)
	}

	// Free-space probe failing must skip the check, not report zero.
	withStatfs(t, func(path string, stat *syscall.Statfs_t) error {
		return syscall.ENOSYS
	})

	p := New(testLogger())
	if err := p.CheckCapacity(dir, t.TempDir()); err != nil {
		t.Fatalf("capacity check should be skipped on probe failure, got %v", err)
	}
}
