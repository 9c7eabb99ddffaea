package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/treesave/internal/logging"
)

// separatorLine closes each appended message so the sink file stays
// readable as a sequence of messages.
const separatorLine = "----------------------------------------"

// EmailNotifier simulates email delivery by appending the rendered message
// to a sink file. No SMTP connection is ever made.
type EmailNotifier struct {
	logger   *logging.Logger
	address  string
	sinkPath string
	now      func() time.Time
}

// NewEmailNotifier creates the simulated email provider. An empty address
// disables it.
func NewEmailNotifier(logger *logging.Logger, address, sinkPath string) *EmailNotifier {
	return &EmailNotifier{
		logger:   logger,
		address:  address,
		sinkPath: sinkPath,
		now:      time.Now,
	}
}

// Name returns the provider name.
func (e *EmailNotifier) Name() string {
	return "Email (simulated)"
}

// IsEnabled reports whether a recipient address is configured.
func (e *EmailNotifier) IsEnabled() bool {
	return e.address != "" && e.sinkPath != ""
}

// Send renders the message and appends it to the sink file.
func (e *EmailNotifier) Send(data *NotificationData) error {
	if !e.IsEnabled() {
		return fmt.Errorf("email notifier is not configured")
	}

	message := e.renderMessage(data)

	if err := os.MkdirAll(filepath.Dir(e.sinkPath), 0700); err != nil {
		return fmt.Errorf("failed to create notification directory: %w", err)
	}

	file, err := os.OpenFile(e.sinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open notification sink: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(message); err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}

	e.logger.Debug("Notification appended to %s", e.sinkPath)
	return nil
}

// renderMessage builds the full appended block: headers, blank line, body,
// separator. The shape is stable; tooling downstream splits the sink file
// on the separator line.
func (e *EmailNotifier) renderMessage(data *NotificationData) string {
	var b strings.Builder

	subject := fmt.Sprintf("[treesave] %s %s on %s",
		data.Operation, data.Status, data.Hostname)

	fmt.Fprintf(&b, "To: %s\n", e.address)
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "Date: %s\n", e.now().Format(time.RFC1123Z))
	b.WriteString("\n")

	fmt.Fprintf(&b, "Operation: %s\n", data.Operation)
	fmt.Fprintf(&b, "Status: %s\n", data.Status)
	if data.StatusMessage != "" {
		fmt.Fprintf(&b, "Detail: %s\n", data.StatusMessage)
	}
	if !data.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", data.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if data.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", data.Duration.Round(time.Second))
	}
	if data.ArchiveFile != "" {
		fmt.Fprintf(&b, "Archive: %s\n", data.ArchiveFile)
	}
	if data.ArchiveSize != "" {
		fmt.Fprintf(&b, "Size: %s\n", data.ArchiveSize)
	}
	if data.Operation == "backup" {
		fmt.Fprintf(&b, "Retention: %d kept, %d deleted, %d failed\n",
			data.ArchivesKept, data.ArchivesDeleted, data.DeletionsFailed)
	}
	if data.ErrorCount > 0 || data.WarningCount > 0 {
		fmt.Fprintf(&b, "Issues: %d errors, %d warnings\n", data.ErrorCount, data.WarningCount)
	}
	if data.LogFilePath != "" {
		fmt.Fprintf(&b, "Log: %s\n", data.LogFilePath)
	}

	b.WriteString(separatorLine + "\n")
	return b.String()
}
