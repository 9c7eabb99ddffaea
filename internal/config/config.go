// Package config loads the treesave configuration from a KEY=VALUE env
// file, with environment variables taking precedence over file values.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tis24dev/treesave/internal/types"
)

var multiValueKeys = map[string]bool{
	"BACKUP_EXCLUDE_PATTERNS": true,
	"AGE_RECIPIENT":           true,
}

// Config holds the whole backup system configuration. The core receives it
// as an immutable value; it is never reloaded or mutated during a run.
type Config struct {
	// General settings
	DebugLevel types.LogLevel
	UseColor   bool
	DryRun     bool

	// Paths
	BackupPath string // destination directory for archives
	LogPath    string // directory for run logs
	LogFile    string // log file name, empty = per-run name
	LockPath   string // directory holding the lock file

	// Compression settings
	CompressionType types.CompressionType

	// Checksum settings
	ChecksumAlgorithm string // "", "sha512", "sha256", "sha1", "md5"; empty = strongest available

	// Retention settings
	RetentionDaily   int
	RetentionWeekly  int
	RetentionMonthly int

	// Encryption settings
	EncryptArchive  bool
	AgeRecipients   []string
	AgeIdentityFile string

	// Notification settings
	NotifyEmail string // recipient address; empty disables notifications
	NotifySink  string // file the simulated send appends to

	// Collector options
	ExcludePatterns []string

	// ConfigPath records where this configuration was loaded from.
	ConfigPath string

	raw map[string]string
}

// Default retention: 7 daily, 4 weekly, 3 monthly.
const (
	DefaultRetentionDaily   = 7
	DefaultRetentionWeekly  = 4
	DefaultRetentionMonthly = 3
)

// DefaultConfig returns a configuration with all defaults applied and no
// file backing it. Used when no config file exists.
func DefaultConfig() *Config {
	cfg := &Config{raw: map[string]string{}}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the configuration file at configPath. A missing file is
// not an error: defaults are returned so the tool works out of the box.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.loadEnvOverrides()
			if err := cfg.parse(); err != nil {
				return nil, fmt.Errorf("error parsing configuration: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read configuration file %s: %w", configPath, err)
	}

	rawValues, err := parseEnvFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigPath: configPath,
		raw:        rawValues,
	}
	cfg.applyDefaults()

	// Environment variables take precedence over file values
	cfg.loadEnvOverrides()

	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}

	return cfg, nil
}

// Get returns the raw string value for a configuration key.
func (c *Config) Get(key string) (string, bool) {
	v, ok := c.raw[key]
	return v, ok
}

func (c *Config) applyDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	c.BackupPath = filepath.Join(home, "backups")
	c.LogPath = filepath.Join(home, ".local", "state", "treesave")
	c.DebugLevel = types.LogLevelInfo
	c.UseColor = true
	c.CompressionType = types.CompressionZstd
	c.RetentionDaily = DefaultRetentionDaily
	c.RetentionWeekly = DefaultRetentionWeekly
	c.RetentionMonthly = DefaultRetentionMonthly
}

func (c *Config) loadEnvOverrides() {
	envKeys := []string{
		"DRY_RUN", "DEBUG_LEVEL", "USE_COLOR",
		"BACKUP_PATH", "LOG_PATH", "LOG_FILE", "LOCK_PATH",
		"COMPRESSION_TYPE", "CHECKSUM_ALGORITHM",
		"RETENTION_DAILY", "RETENTION_WEEKLY", "RETENTION_MONTHLY",
		"ENCRYPT_ARCHIVE", "AGE_RECIPIENT", "AGE_IDENTITY_FILE",
		"NOTIFY_EMAIL", "NOTIFY_SINK",
		"BACKUP_EXCLUDE_PATTERNS",
	}
	for _, key := range envKeys {
		if value, ok := os.LookupEnv(key); ok {
			c.raw[key] = value
		}
	}
}

func (c *Config) parse() error {
	if v, ok := c.raw["BACKUP_PATH"]; ok && strings.TrimSpace(v) != "" {
		c.BackupPath = strings.TrimSpace(v)
	}
	if v, ok := c.raw["LOG_PATH"]; ok && strings.TrimSpace(v) != "" {
		c.LogPath = strings.TrimSpace(v)
	}
	if v, ok := c.raw["LOG_FILE"]; ok {
		c.LogFile = strings.TrimSpace(v)
	}
	if v, ok := c.raw["LOCK_PATH"]; ok && strings.TrimSpace(v) != "" {
		c.LockPath = strings.TrimSpace(v)
	}
	if c.LockPath == "" {
		c.LockPath = c.BackupPath
	}

	if v, ok := c.raw["DRY_RUN"]; ok {
		c.DryRun = parseBool(v)
	}
	if v, ok := c.raw["USE_COLOR"]; ok {
		c.UseColor = parseBool(v)
	}

	if v, ok := c.raw["DEBUG_LEVEL"]; ok {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		c.DebugLevel = level
	}

	if v, ok := c.raw["COMPRESSION_TYPE"]; ok && strings.TrimSpace(v) != "" {
		ct, err := parseCompressionType(v)
		if err != nil {
			return err
		}
		c.CompressionType = ct
	}

	if v, ok := c.raw["CHECKSUM_ALGORITHM"]; ok {
		c.ChecksumAlgorithm = strings.ToLower(strings.TrimSpace(v))
	}

	var err error
	if c.RetentionDaily, err = c.parseCount("RETENTION_DAILY", c.RetentionDaily); err != nil {
		return err
	}
	if c.RetentionWeekly, err = c.parseCount("RETENTION_WEEKLY", c.RetentionWeekly); err != nil {
		return err
	}
	if c.RetentionMonthly, err = c.parseCount("RETENTION_MONTHLY", c.RetentionMonthly); err != nil {
		return err
	}

	if v, ok := c.raw["ENCRYPT_ARCHIVE"]; ok {
		c.EncryptArchive = parseBool(v)
	}
	if v, ok := c.raw["AGE_RECIPIENT"]; ok {
		c.AgeRecipients = splitList(v)
	}
	if v, ok := c.raw["AGE_IDENTITY_FILE"]; ok {
		c.AgeIdentityFile = strings.TrimSpace(v)
	}

	if v, ok := c.raw["NOTIFY_EMAIL"]; ok {
		c.NotifyEmail = strings.TrimSpace(v)
	}
	if v, ok := c.raw["NOTIFY_SINK"]; ok && strings.TrimSpace(v) != "" {
		c.NotifySink = strings.TrimSpace(v)
	}
	if c.NotifySink == "" {
		c.NotifySink = filepath.Join(c.LogPath, "notifications.mbox")
	}

	if v, ok := c.raw["BACKUP_EXCLUDE_PATTERNS"]; ok {
		c.ExcludePatterns = splitList(v)
	}

	return nil
}

func (c *Config) parseCount(key string, current int) (int, error) {
	v, ok := c.raw[key]
	if !ok || strings.TrimSpace(v) == "" {
		return current, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be non-negative, got %d", key, n)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseLogLevel(v string) (types.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return types.LogLevelDebug, nil
	case "info":
		return types.LogLevelInfo, nil
	case "warning":
		return types.LogLevelWarning, nil
	case "error":
		return types.LogLevelError, nil
	case "none":
		return types.LogLevelNone, nil
	default:
		return types.LogLevelInfo, fmt.Errorf("invalid DEBUG_LEVEL value: %q", v)
	}
}

func parseCompressionType(v string) (types.CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "gz", "gzip":
		return types.CompressionGzip, nil
	case "xz":
		return types.CompressionXZ, nil
	case "zst", "zstd":
		return types.CompressionZstd, nil
	case "none", "tar":
		return types.CompressionNone, nil
	default:
		return types.CompressionGzip, fmt.Errorf("invalid COMPRESSION_TYPE value: %q", v)
	}
}

// splitList splits a comma-separated value, trimming surrounding whitespace
// from each entry and dropping empty entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open configuration file: %w", err)
	}
	defer file.Close()

	values := make(map[string]string)

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed configuration at %s:%d: %q", path, lineNo, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = trimQuotes(value)

		if multiValueKeys[key] {
			if existing, ok := values[key]; ok && existing != "" {
				value = existing + "," + value
			}
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading configuration file: %w", err)
	}

	return values, nil
}

func trimQuotes(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
