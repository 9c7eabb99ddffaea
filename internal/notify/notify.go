// Package notify provides notification delivery for completed runs. The
// only provider is a simulated email channel that appends RFC-822-shaped
// messages to a local sink file.
package notify

import (
	"time"

	"github.com/tis24dev/treesave/internal/types"
)

// NotificationStatus represents the overall status of a run.
type NotificationStatus int

const (
	StatusSuccess NotificationStatus = iota
	StatusFailure
	StatusInterrupted
)

// String returns the string representation of NotificationStatus.
func (s NotificationStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// StatusFromExitCode maps a process exit code to a notification status so
// the email subject stays in sync with what the process reports.
func StatusFromExitCode(exitCode types.ExitCode) NotificationStatus {
	switch exitCode {
	case types.ExitSuccess:
		return StatusSuccess
	case types.ExitInterrupted:
		return StatusInterrupted
	default:
		return StatusFailure
	}
}

// NotificationData carries everything a notification message needs.
type NotificationData struct {
	Status        NotificationStatus
	StatusMessage string

	Hostname  string
	Operation string // "backup" or "restore"

	StartedAt time.Time
	Duration  time.Duration

	ArchiveFile string
	ArchiveSize string

	// Retention summary for backup runs.
	ArchivesKept    int
	ArchivesDeleted int
	DeletionsFailed int

	ErrorCount   int
	WarningCount int
	LogFilePath  string
}

// Notifier is implemented by all notification providers.
type Notifier interface {
	// Name returns the provider name.
	Name() string

	// IsEnabled reports whether this provider is configured.
	IsEnabled() bool

	// Send delivers the notification. Failures are the caller's to log;
	// they never fail the run itself.
	Send(data *NotificationData) error
}
