// Package license persists and validates the device activation record,
// online and offline, and exposes the derived sync policy and feature
// map consumed by the reconciler and scheduler.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/digitmide/stabsync/internal/identity"
	"github.com/digitmide/stabsync/internal/transport"
	"github.com/digitmide/stabsync/pkg/syncerr"
	"github.com/digitmide/stabsync/pkg/util"
)

// Record is the persisted activation record. Fields mirror the wire
// response from /api/pi/licenses/validate.
type Record struct {
	LicenseKey       string          `json:"license_key"`
	DeviceID         string          `json:"device_id"`
	ValidatedAt      time.Time       `json:"validated_at"`
	ValidUntil       time.Time       `json:"valid_until"`
	Tier             string          `json:"tier"`
	Organization     string          `json:"organization,omitempty"`
	MaxDevices       int             `json:"max_devices,omitempty"`
	SyncIntervalSecs int             `json:"sync_interval_seconds"`
	Features         map[string]bool `json:"features"`
	ServerURL        string          `json:"server_url"`
	Token            string          `json:"token,omitempty"` // set by RegisterDevice
}

// RegistrationInfo is the result of first-time device registration; its
// token and sync endpoint are also written to the license record.
type RegistrationInfo struct {
	Token        string `json:"token"`
	SyncEndpoint string `json:"sync_endpoint"`
}

// SyncConfig is the derived view consulted by the scheduler.
type SyncConfig struct {
	Enabled    bool
	Interval   int
	ServerURL  string
	DeviceID   string
	LicenseKey string
}

const defaultSyncIntervalFallback = 3600

// Store owns the on-disk license record for one device and mediates
// online/offline validation.
type Store struct {
	path     string
	identity *identity.DeviceIdentity
	client   *transport.Client
}

// NewStore constructs a license Store backed by the file at path.
func NewStore(path string, id *identity.DeviceIdentity, client *transport.Client) *Store {
	return &Store{path: path, identity: id, client: client}
}

// ValidateOnline posts the key and host metadata to the authority. On
// success the returned record is persisted atomically with mode 0600.
// On connection failure it falls back to ValidateOffline.
func (s *Store) ValidateOnline(ctx context.Context, key string) (*Record, error) {
	rec, err := s.client.ValidateLicense(ctx, transport.ValidateLicenseRequest{
		LicenseKey:       key,
		DeviceID:         s.identity.DeviceID,
		Hostname:         s.identity.Hostname,
		PiVersion:        "1",
		SystemInfo:       s.identity.Info,
		RegistrationType: "validation",
	})
	if err != nil {
		if errors.Is(err, syncerr.ErrTransportFailed) {
			util.Warnf("license: online validation unreachable, falling back offline: %v", err)
			return s.ValidateOffline(key)
		}
		return nil, err
	}

	record := &Record{
		LicenseKey:       key,
		DeviceID:         s.identity.DeviceID,
		ValidatedAt:      time.Now().UTC(),
		ValidUntil:       rec.ValidUntil,
		Tier:             rec.Tier,
		Organization:     rec.Organization,
		MaxDevices:       rec.MaxDevices,
		SyncIntervalSecs: rec.SyncInterval,
		Features:         rec.Features,
		ServerURL:        s.client.BaseURL(),
	}

	if err := s.persist(record); err != nil {
		return nil, fmt.Errorf("persisting license record: %w", err)
	}
	return record, nil
}

// ValidateOffline loads the persisted record and checks it against key,
// current device id, and expiry, without any network I/O.
func (s *Store) ValidateOffline(key string) (*Record, error) {
	record, err := s.load()
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, syncerr.NewLicenseError("missing", s.identity.DeviceID)
	}
	if record.LicenseKey != key {
		return nil, syncerr.NewLicenseError("key_mismatch", s.identity.DeviceID)
	}
	if record.DeviceID != s.identity.DeviceID {
		return nil, syncerr.NewLicenseError("device_mismatch", s.identity.DeviceID)
	}
	if time.Now().After(record.ValidUntil) {
		return nil, syncerr.NewLicenseError("expired", s.identity.DeviceID)
	}
	return record, nil
}

// RegisterDevice posts the first-time registration request and persists
// the returned token and sync endpoint.
func (s *Store) RegisterDevice(ctx context.Context, key string) (*RegistrationInfo, error) {
	resp, err := s.client.RegisterDevice(ctx, transport.RegisterDeviceRequest{
		LicenseKey:       key,
		DeviceID:         s.identity.DeviceID,
		Hostname:         s.identity.Hostname,
		SystemInfo:       s.identity.Info,
		RegistrationType: "initial",
	})
	if err != nil {
		return nil, err
	}

	record, err := s.load()
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &Record{LicenseKey: key, DeviceID: s.identity.DeviceID}
	}
	record.Features = resp.Features
	record.ServerURL = resp.SyncEndpoint
	record.Token = resp.Token
	if err := s.persist(record); err != nil {
		return nil, fmt.Errorf("persisting registration: %w", err)
	}

	return &RegistrationInfo{Token: resp.Token, SyncEndpoint: resp.SyncEndpoint}, nil
}

// IsValid reports whether a persisted record exists, matches the current
// device identity, and has not expired.
func (s *Store) IsValid() bool {
	record, err := s.load()
	if err != nil || record == nil {
		return false
	}
	if record.DeviceID != s.identity.DeviceID {
		return false
	}
	return time.Now().Before(record.ValidUntil) || time.Now().Equal(record.ValidUntil)
}

// SyncConfig returns the derived sync policy. With no persisted record it
// returns a safe disabled default.
func (s *Store) SyncConfig() SyncConfig {
	record, err := s.load()
	if err != nil || record == nil {
		return SyncConfig{
			Enabled:   false,
			Interval:  defaultSyncIntervalFallback,
			ServerURL: s.client.BaseURL(),
			DeviceID:  s.identity.DeviceID,
		}
	}
	return SyncConfig{
		Enabled:    record.Features["sync"],
		Interval:   record.SyncIntervalSecs,
		ServerURL:  record.ServerURL,
		DeviceID:   s.identity.DeviceID,
		LicenseKey: record.LicenseKey,
	}
}

// Features returns the feature map, defaulting to {core: true, offline: true}
// with everything else false when no record exists.
func (s *Store) Features() map[string]bool {
	record, err := s.load()
	if err != nil || record == nil {
		return map[string]bool{"core": true, "offline": true}
	}
	return record.Features
}

func (s *Store) load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, syncerr.NewStoreUnavailableError("license", "load", err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, syncerr.NewStoreUnavailableError("license", "load", err)
	}
	return &record, nil
}

// persist writes record via temp-file-plus-atomic-rename with mode 0600
// applied before rename, avoiding torn reads by concurrent CLI invocations.
func (s *Store) persist(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".license-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}
