package notify

import (
	"io"
	"os"
	"path/filepath"
	"strings"
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

func fixedClock() time.Time {
	return time.Date(2024, 6, 1, 14, 30, 0, 0, time.FixedZone("CEST", 2*3600))
}

func TestSendAppendsMessageBlock(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "notifications.mbox")
	n := NewEmailNotifier(testLogger(), "ops@example.com", sink)
	n.now = fixedClock

	data := &NotificationData{
		Status:       StatusSuccess,
		Hostname:     "host1",
		Operation:    "backup",
		StartedAt:    time.Date(2024, 6, 1, 14, 0, 0, 0, time.Local),
		Duration:     90 * time.Second,
		ArchiveFile:  "backup-2024-06-01-1400.tar.gz",
		ArchiveSize:  "1.2 MiB",
		ArchivesKept: 3,
	}
	if err := n.Send(data); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	raw, err := os.ReadFile(sink)
	if err != nil {
		t.Fatalf("failed to read sink: %v", err)
	}
	content := string(raw)

	lines := strings.Split(content, "\n")
	if lines[0] != "To: ops@example.com" {
		t.Errorf("first line = %q", lines[0])
	}
	if lines[1] != "Subject: [treesave] backup success on host1" {
		t.Errorf("subject line = %q", lines[1])
	}
	if lines[2] != "Date: "+fixedClock().Format(time.RFC1123Z) {
		t.Errorf("date line = %q", lines[2])
	}
	if lines[3] != "" {
		t.Errorf("headers not followed by blank line, got %q", lines[3])
	}
	if !strings.Contains(content, "Archive: backup-2024-06-01-1400.tar.gz") {
		t.Error("body missing archive line")
	}
	if !strings.Contains(content, "Retention: 3 kept, 0 deleted, 0 failed") {
		t.Error("body missing retention summary")
	}
	if !strings.HasSuffix(content, separatorLine+"\n") {
		t.Error("message not terminated by separator line")
	}
}

func TestSendAppendsNotOverwrites(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "notifications.mbox")
	n := NewEmailNotifier(testLogger(), "ops@example.com", sink)
	n.now = fixedClock

	for i := 0; i < 2; i++ {
		if err := n.Send(&NotificationData{Status: StatusSuccess, Operation: "backup", Hostname: "h"}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	raw, err := os.ReadFile(sink)
	if err != nil {
		t.Fatalf("failed to read sink: %v", err)
	}
	if got := strings.Count(string(raw), separatorLine); got != 2 {
		t.Errorf("sink contains %d messages, want 2", got)
	}
}

func TestSendDisabledNotifier(t *testing.T) {
	n := NewEmailNotifier(testLogger(), "", filepath.Join(t.TempDir(), "sink"))
	if n.IsEnabled() {
		t.Error("notifier with no address reports enabled")
	}
	if err := n.Send(&NotificationData{}); err == nil {
		t.Error("Send on disabled notifier succeeded")
	}
}

func TestStatusFromExitCode(t *testing.T) {
	tests := []struct {
		code types.ExitCode
		want NotificationStatus
	}{
		{types.ExitSuccess, StatusSuccess},
		{types.ExitError, StatusFailure},
		{types.ExitInterrupted, StatusInterrupted},
	}
	for _, tt := range tests {
		if got := StatusFromExitCode(tt.code); got != tt.want {
			t.Errorf("StatusFromExitCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}
