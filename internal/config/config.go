// Package config loads and validates the sync engine's on-disk JSON
// configuration, following the teacher's settings convention: a small
// typed struct, JSON marshal/unmarshal, and getter methods that apply
// documented fallbacks.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/digitmide/stabsync/pkg/syncerr"
)

// DefaultConfigPath is used when --config is not given and CONFIG_PATH is unset.
const DefaultConfigPath = "/etc/stabsync/config.json"

const (
	defaultServerURL          = "https://stab.digitmi.de"
	defaultSyncInterval       = 900
	defaultBatchSize          = 100
	defaultConflictResolution = "remote_wins"
	defaultLogMaxSizeMB       = 10
	defaultLogMaxBackups      = 10
)

// AppConfig is the typed projection of the on-disk JSON config file
// described in SPEC_FULL.md §6. Ambient fields (LogPath, LogMaxSizeMB,
// LogMaxBackups, LockPath, AuditLogPath) default to values derived from
// SyncDBPath's directory so a config file written against the distilled
// schema alone still works unmodified.
type AppConfig struct {
	DatabasePath       string `json:"database_path"`
	SyncDBPath         string `json:"sync_db_path"`
	ServerURL          string `json:"server_url,omitempty"`
	SyncInterval       int    `json:"sync_interval,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	Compression        *bool  `json:"compression,omitempty"`
	Encryption         *bool  `json:"encryption,omitempty"`
	ConflictResolution string `json:"conflict_resolution,omitempty"`

	// Ambient fields, all optional with documented defaults.
	LogPath         string `json:"log_path,omitempty"`
	LogMaxSizeMB    int    `json:"log_max_size_mb,omitempty"`
	LogMaxBackups   int    `json:"log_max_backups,omitempty"`
	AuditLogPath    string `json:"audit_log_path,omitempty"`
	LockPath        string `json:"lock_path,omitempty"`
}

// Load reads and validates the config file at the default path.
func Load() (*AppConfig, error) {
	return LoadFrom(DefaultConfigPath)
}

// LoadFrom reads and validates the config file at path. A missing file is
// not an error: an empty AppConfig is returned so callers relying solely
// on environment variables and defaults still work.
func LoadFrom(path string) (*AppConfig, error) {
	c := &AppConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, syncerr.NewConfigInvalidError(path, err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return nil, syncerr.NewConfigInvalidError(path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, syncerr.NewConfigInvalidError(path, err)
	}

	return c, nil
}

// Validate checks the loaded config for internally inconsistent values.
// Missing optional fields are not errors; getters apply defaults.
func (c *AppConfig) Validate() error {
	switch c.ConflictResolution {
	case "", "remote_wins", "local_wins", "merge":
	default:
		return &invalidFieldError{Field: "conflict_resolution", Value: c.ConflictResolution}
	}
	if c.SyncInterval < 0 {
		return &invalidFieldError{Field: "sync_interval", Value: "negative"}
	}
	if c.BatchSize < 0 {
		return &invalidFieldError{Field: "batch_size", Value: "negative"}
	}
	return nil
}

type invalidFieldError struct {
	Field string
	Value string
}

func (e *invalidFieldError) Error() string {
	return "invalid config field " + e.Field + ": " + e.Value
}

// Save writes c as indented JSON to the default config path.
func (c *AppConfig) Save() error {
	return c.SaveTo(DefaultConfigPath)
}

// SaveTo writes c as indented JSON to path, creating parent directories
// as needed.
func (c *AppConfig) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetServerURL returns the configured server URL, falling back to the
// SYNC_SERVER_URL environment variable, then the hardcoded default.
func (c *AppConfig) GetServerURL() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	if v := os.Getenv("SYNC_SERVER_URL"); v != "" {
		return v
	}
	return defaultServerURL
}

// GetSyncInterval returns the configured sync interval in seconds, default 900.
func (c *AppConfig) GetSyncInterval() int {
	if c.SyncInterval > 0 {
		return c.SyncInterval
	}
	return defaultSyncInterval
}

// GetBatchSize returns the configured push/pull batch size, default 100.
func (c *AppConfig) GetBatchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return defaultBatchSize
}

// GetCompression returns whether payload compression is enabled, default true.
func (c *AppConfig) GetCompression() bool {
	if c.Compression != nil {
		return *c.Compression
	}
	return true
}

// GetEncryption returns whether payload encryption is enabled, default false.
func (c *AppConfig) GetEncryption() bool {
	if c.Encryption != nil {
		return *c.Encryption
	}
	return false
}

// GetConflictResolution returns the configured conflict policy, default remote_wins.
func (c *AppConfig) GetConflictResolution() string {
	if c.ConflictResolution != "" {
		return c.ConflictResolution
	}
	return defaultConflictResolution
}

// GetLogPath returns the configured log file path, defaulting to
// stabsync.log alongside SyncDBPath.
func (c *AppConfig) GetLogPath() string {
	if c.LogPath != "" {
		return c.LogPath
	}
	return filepath.Join(c.syncDBDir(), "stabsync.log")
}

// GetLogMaxSizeMB returns the configured log rotation size in MB, default 10.
func (c *AppConfig) GetLogMaxSizeMB() int {
	if c.LogMaxSizeMB > 0 {
		return c.LogMaxSizeMB
	}
	return defaultLogMaxSizeMB
}

// GetLogMaxBackups returns the configured max rotated log files, default 10.
func (c *AppConfig) GetLogMaxBackups() int {
	if c.LogMaxBackups > 0 {
		return c.LogMaxBackups
	}
	return defaultLogMaxBackups
}

// GetAuditLogPath returns the configured audit trail path, defaulting to
// audit.log alongside SyncDBPath.
func (c *AppConfig) GetAuditLogPath() string {
	if c.AuditLogPath != "" {
		return c.AuditLogPath
	}
	return filepath.Join(c.syncDBDir(), "audit.log")
}

// GetLockPath returns the configured daemon single-instance lock path,
// defaulting to stabsync.lock alongside SyncDBPath.
func (c *AppConfig) GetLockPath() string {
	if c.LockPath != "" {
		return c.LockPath
	}
	return filepath.Join(c.syncDBDir(), "stabsync.lock")
}

func (c *AppConfig) syncDBDir() string {
	if c.SyncDBPath != "" {
		return filepath.Dir(c.SyncDBPath)
	}
	return "/var/lib/stabsync"
}
