package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/tis24dev/treesave/internal/types"
)

func TestNew(t *testing.T) {
	logger := New(types.LogLevelInfo, true)

	if logger.level != types.LogLevelInfo {
		t.Errorf("Expected level %v, got %v", types.LogLevelInfo, logger.level)
	}

	if !logger.useColor {
		t.Error("Expected useColor to be true")
	}

	if logger.output == nil {
		t.Error("Expected output to be set")
	}
}

func TestSetLevel(t *testing.T) {
	logger := New(types.LogLevelInfo, false)

	logger.SetLevel(types.LogLevelDebug)

	if logger.GetLevel() != types.LogLevelDebug {
		t.Errorf("Expected level %v, got %v", types.LogLevelDebug, logger.GetLevel())
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelWarning, false)
	logger.SetOutput(&buf)

	// These should not appear (below warning level)
	logger.Debug("debug message")
	logger.Info("info message")

	// These should appear
	logger.Warning("warning message")
	logger.Error("error message")
	logger.Failed("failed message")

	output := buf.String()

	if strings.Contains(output, "debug message") {
		t.Error("Debug message should not appear when level is WARNING")
	}
	if strings.Contains(output, "info message") {
		t.Error("Info message should not appear when level is WARNING")
	}

	if !strings.Contains(output, "warning message") {
		t.Error("Warning message should appear")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Error message should appear")
	}
	if !strings.Contains(output, "failed message") {
		t.Error("Failed message should appear")
	}
}

func TestLogLineFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	logger.Info("test message")
	logger.Success("done")

	// One line per event: [timestamp] LEVEL: message
	lineRe := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] [A-Z]+: .+$`)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		if !lineRe.MatchString(line) {
			t.Errorf("log line does not match expected format: %q", line)
		}
	}
	if !strings.Contains(lines[0], "INFO: test message") {
		t.Errorf("unexpected INFO line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "SUCCESS: done") {
		t.Errorf("unexpected SUCCESS line: %q", lines[1])
	}
}

func TestWarningAndErrorCounters(t *testing.T) {
	logger := New(types.LogLevelDebug, false)
	logger.SetOutput(&bytes.Buffer{})

	if logger.HasWarnings() || logger.HasErrors() {
		t.Fatal("fresh logger should have no warnings or errors")
	}

	logger.Warning("w")
	if !logger.HasWarnings() {
		t.Error("expected HasWarnings after a warning")
	}

	logger.Error("e")
	if !logger.HasErrors() {
		t.Error("expected HasErrors after an error")
	}
}

func TestLogFileMirror(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "run.log")

	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, true)
	logger.SetOutput(&buf)

	if err := logger.OpenLogFile(logPath); err != nil {
		t.Fatalf("OpenLogFile failed: %v", err)
	}
	logger.Info("mirrored message")
	if err := logger.CloseLogFile(); err != nil {
		t.Fatalf("CloseLogFile failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	if !strings.Contains(string(data), "INFO: mirrored message") {
		t.Errorf("log file missing message: %q", string(data))
	}
	// File output must never contain ANSI escapes, even with color enabled.
	if strings.Contains(string(data), "\033[") {
		t.Error("log file should not contain color codes")
	}
}

func TestFatalUsesExitFunc(t *testing.T) {
	var buf bytes.Buffer
	logger := New(types.LogLevelInfo, false)
	logger.SetOutput(&buf)

	exitCode := -1
	logger.SetExitFunc(func(code int) { exitCode = code })

	logger.Fatal(types.ExitError, "boom")

	if exitCode != types.ExitError.Int() {
		t.Errorf("expected exit code %d, got %d", types.ExitError.Int(), exitCode)
	}
	if !strings.Contains(buf.String(), "FAILED: boom") {
		t.Errorf("expected FAILED log line, got %q", buf.String())
	}
}
