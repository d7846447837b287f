package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_MissingFile(t *testing.T) {
	c, err := LoadFrom("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("LoadFrom missing file should not error: %v", err)
	}
	if c.GetServerURL() != "https://stab.digitmi.de" {
		t.Errorf("GetServerURL() = %q", c.GetServerURL())
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	c := &AppConfig{}

	if got := c.GetSyncInterval(); got != 900 {
		t.Errorf("GetSyncInterval() = %d, want 900", got)
	}
	if got := c.GetBatchSize(); got != 100 {
		t.Errorf("GetBatchSize() = %d, want 100", got)
	}
	if got := c.GetCompression(); got != true {
		t.Errorf("GetCompression() = %v, want true", got)
	}
	if got := c.GetEncryption(); got != false {
		t.Errorf("GetEncryption() = %v, want false", got)
	}
	if got := c.GetConflictResolution(); got != "remote_wins" {
		t.Errorf("GetConflictResolution() = %q, want remote_wins", got)
	}
	if got := c.GetLogMaxSizeMB(); got != 10 {
		t.Errorf("GetLogMaxSizeMB() = %d, want 10", got)
	}
	if got := c.GetLogMaxBackups(); got != 10 {
		t.Errorf("GetLogMaxBackups() = %d, want 10", got)
	}
}

func TestAppConfig_AmbientDefaultsDeriveFromSyncDBPath(t *testing.T) {
	c := &AppConfig{SyncDBPath: "/var/lib/stabsync/sync.db"}

	if got, want := c.GetLogPath(), "/var/lib/stabsync/stabsync.log"; got != want {
		t.Errorf("GetLogPath() = %q, want %q", got, want)
	}
	if got, want := c.GetAuditLogPath(), "/var/lib/stabsync/audit.log"; got != want {
		t.Errorf("GetAuditLogPath() = %q, want %q", got, want)
	}
	if got, want := c.GetLockPath(), "/var/lib/stabsync/stabsync.lock"; got != want {
		t.Errorf("GetLockPath() = %q, want %q", got, want)
	}
}

func TestAppConfig_ExplicitOverridesWin(t *testing.T) {
	c := &AppConfig{
		SyncDBPath: "/var/lib/stabsync/sync.db",
		LogPath:    "/custom/log.log",
	}
	if got := c.GetLogPath(); got != "/custom/log.log" {
		t.Errorf("GetLogPath() = %q, want override", got)
	}
}

func TestAppConfig_SaveLoadRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "config.json")
	compression := false
	original := &AppConfig{
		DatabasePath:       "/var/lib/stabsync/primary.db",
		SyncDBPath:         "/var/lib/stabsync/sync.db",
		ServerURL:          "https://example.test",
		SyncInterval:       300,
		BatchSize:          50,
		Compression:        &compression,
		ConflictResolution: "local_wins",
	}

	if err := original.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if loaded.DatabasePath != original.DatabasePath {
		t.Errorf("DatabasePath mismatch: %q vs %q", loaded.DatabasePath, original.DatabasePath)
	}
	if loaded.ServerURL != original.ServerURL {
		t.Errorf("ServerURL mismatch")
	}
	if loaded.GetSyncInterval() != 300 {
		t.Errorf("SyncInterval mismatch")
	}
	if loaded.GetCompression() != false {
		t.Errorf("Compression mismatch")
	}
	if loaded.GetConflictResolution() != "local_wins" {
		t.Errorf("ConflictResolution mismatch")
	}
}

func TestLoadFrom_MalformedJSON(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err = LoadFrom(path)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestAppConfig_Validate_RejectsBadConflictResolution(t *testing.T) {
	c := &AppConfig{ConflictResolution: "bogus"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error for bogus conflict_resolution")
	}
}

func TestAppConfig_Validate_RejectsNegatives(t *testing.T) {
	if err := (&AppConfig{SyncInterval: -1}).Validate(); err == nil {
		t.Fatal("expected validation error for negative sync_interval")
	}
	if err := (&AppConfig{BatchSize: -1}).Validate(); err == nil {
		t.Fatal("expected validation error for negative batch_size")
	}
}
