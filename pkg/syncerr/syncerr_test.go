package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestLicenseError_Is(t *testing.T) {
	err := fmt.Errorf("validating: %w", NewLicenseError("expired", "abc123"))
	if !errors.Is(err, ErrLicenseInvalid) {
		t.Fatal("expected errors.Is to match ErrLicenseInvalid")
	}

	var licErr *LicenseError
	if !errors.As(err, &licErr) {
		t.Fatalf("expected errors.As to match *LicenseError, got %T", err)
	}
	if licErr.Reason != "expired" {
		t.Errorf("Reason = %q, want expired", licErr.Reason)
	}
	if licErr.DeviceID != "abc123" {
		t.Errorf("DeviceID = %q, want abc123", licErr.DeviceID)
	}
}

func TestFeatureDisabledError(t *testing.T) {
	err := NewFeatureDisabledError("sync")
	if !errors.Is(err, ErrFeatureDisabled) {
		t.Fatal("expected errors.Is to match ErrFeatureDisabled")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransportError("/api/pi/sync/push", cause)
	if !errors.Is(err, ErrTransportFailed) {
		t.Fatal("expected errors.Is to match ErrTransportFailed")
	}
	wrapped := fmt.Errorf("push: %w", err)
	if !errors.Is(wrapped, ErrTransportFailed) {
		t.Fatal("expected double-wrapped error to still match sentinel")
	}
}

func TestServerRejectionError(t *testing.T) {
	err := NewServerRejectionError("/api/pi/sync/pull", 503, "service unavailable")
	if !errors.Is(err, ErrServerRejected) {
		t.Fatal("expected errors.Is to match ErrServerRejected")
	}
	var rejErr *ServerRejectionError
	if !errors.As(err, &rejErr) {
		t.Fatalf("expected errors.As, got %T", err)
	}
	if rejErr.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", rejErr.StatusCode)
	}
}

func TestStoreUnavailableError(t *testing.T) {
	err := NewStoreUnavailableError("metadata", "pending", errors.New("disk full"))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatal("expected errors.Is to match ErrStoreUnavailable")
	}
}

func TestSchemaMismatchError(t *testing.T) {
	err := NewSchemaMismatchError("contacts", "c1", errors.New("no such column: fax"))
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatal("expected errors.Is to match ErrSchemaMismatch")
	}
}

func TestConfigInvalidError(t *testing.T) {
	err := NewConfigInvalidError("/etc/stabsync/config.json", errors.New("unexpected EOF"))
	if !errors.Is(err, ErrConfigInvalid) {
		t.Fatal("expected errors.Is to match ErrConfigInvalid")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

func TestDistinctSentinels(t *testing.T) {
	sentinels := []error{
		ErrLicenseInvalid, ErrFeatureDisabled, ErrTransportFailed,
		ErrServerRejected, ErrStoreUnavailable, ErrSchemaMismatch, ErrConfigInvalid,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Errorf("sentinel %d should not match sentinel %d", i, j)
			}
		}
	}
}
