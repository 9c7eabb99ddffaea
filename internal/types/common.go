package types

import "time"

// CompressionType represents the compression type.
type CompressionType string

const (
	// CompressionGzip - gzip compression (in-process)
	CompressionGzip CompressionType = "gz"

	// CompressionXZ - xz compression (external tool)
	CompressionXZ CompressionType = "xz"

	// CompressionZstd - zstd compression (external tool)
	CompressionZstd CompressionType = "zst"

	// CompressionNone - no compression
	CompressionNone CompressionType = "none"
)

// String returns the string representation of the compression type.
func (c CompressionType) String() string {
	return string(c)
}

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// BackupInfo contains information about a single archive in the destination.
type BackupInfo struct {
	// Timestamp parsed from the archive filename. The filename is the sole
	// source of truth for retention bucketing; mtime is never consulted.
	Timestamp time.Time

	// Filename of the archive, relative to the destination directory.
	Filename string

	// Full file path.
	Path string

	// File size in bytes.
	Size int64

	// SidecarPath is the path of the checksum sidecar, empty if absent.
	SidecarPath string
}
