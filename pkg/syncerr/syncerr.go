// Package syncerr defines the sync engine's error taxonomy: one exported
// sentinel per failure class, each wrappable with caller context and
// unwrappable with errors.Is/errors.As without string matching.
package syncerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per taxonomy member. Callers compare against these
// with errors.Is after unwrapping a wrapped error from any layer.
var (
	ErrLicenseInvalid  = errors.New("license invalid")
	ErrFeatureDisabled = errors.New("feature disabled")
	ErrTransportFailed = errors.New("transport failure")
	ErrServerRejected  = errors.New("server rejection")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrConfigInvalid   = errors.New("config invalid")
	ErrSessionConflict = errors.New("session conflict")
)

// LicenseError reports why a license failed validation: missing, expired,
// or bound to a different device/key than presented.
type LicenseError struct {
	Reason   string // "missing", "expired", "device_mismatch", "key_mismatch"
	DeviceID string
}

func (e *LicenseError) Error() string {
	return fmt.Sprintf("license invalid (%s) for device %s", e.Reason, e.DeviceID)
}

func (e *LicenseError) Unwrap() error { return ErrLicenseInvalid }

// NewLicenseError constructs a LicenseError.
func NewLicenseError(reason, deviceID string) *LicenseError {
	return &LicenseError{Reason: reason, DeviceID: deviceID}
}

// FeatureDisabledError reports that the license is valid but the named
// feature is turned off.
type FeatureDisabledError struct {
	Feature string
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("feature %q disabled by license", e.Feature)
}

func (e *FeatureDisabledError) Unwrap() error { return ErrFeatureDisabled }

// NewFeatureDisabledError constructs a FeatureDisabledError.
func NewFeatureDisabledError(feature string) *FeatureDisabledError {
	return &FeatureDisabledError{Feature: feature}
}

// TransportError wraps a connection/timeout/DNS failure on a single HTTP
// call, after local retries within that call have been exhausted.
type TransportError struct {
	Endpoint string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure calling %s: %v", e.Endpoint, e.Cause)
}

func (e *TransportError) Unwrap() error { return ErrTransportFailed }

// NewTransportError constructs a TransportError.
func NewTransportError(endpoint string, cause error) *TransportError {
	return &TransportError{Endpoint: endpoint, Cause: cause}
}

// ServerRejectionError wraps a non-2xx HTTP response from the authority.
type ServerRejectionError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ServerRejectionError) Error() string {
	return fmt.Sprintf("server rejected %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *ServerRejectionError) Unwrap() error { return ErrServerRejected }

// NewServerRejectionError constructs a ServerRejectionError.
func NewServerRejectionError(endpoint string, statusCode int, body string) *ServerRejectionError {
	return &ServerRejectionError{Endpoint: endpoint, StatusCode: statusCode, Body: body}
}

// StoreUnavailableError wraps an I/O failure against the metadata or
// primary store.
type StoreUnavailableError struct {
	Store     string // "metadata" or "primary"
	Operation string
	Cause     error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable during %s: %v", e.Store, e.Operation, e.Cause)
}

func (e *StoreUnavailableError) Unwrap() error { return ErrStoreUnavailable }

// NewStoreUnavailableError constructs a StoreUnavailableError.
func NewStoreUnavailableError(store, operation string, cause error) *StoreUnavailableError {
	return &StoreUnavailableError{Store: store, Operation: operation, Cause: cause}
}

// SchemaMismatchError reports that a single remote row could not be
// applied against the local primary-store schema.
type SchemaMismatchError struct {
	Table    string
	RecordID string
	Cause    error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch applying %s/%s: %v", e.Table, e.RecordID, e.Cause)
}

func (e *SchemaMismatchError) Unwrap() error { return ErrSchemaMismatch }

// NewSchemaMismatchError constructs a SchemaMismatchError.
func NewSchemaMismatchError(table, recordID string, cause error) *SchemaMismatchError {
	return &SchemaMismatchError{Table: table, RecordID: recordID, Cause: cause}
}

// ConfigInvalidError wraps an unreadable config file or unparsable JSON.
type ConfigInvalidError struct {
	Path  string
	Cause error
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("invalid config at %s: %v", e.Path, e.Cause)
}

func (e *ConfigInvalidError) Unwrap() error { return ErrConfigInvalid }

// NewConfigInvalidError constructs a ConfigInvalidError.
func NewConfigInvalidError(path string, cause error) *ConfigInvalidError {
	return &ConfigInvalidError{Path: path, Cause: cause}
}

// SessionConflictError reports that a reconciliation was refused because a
// session row is already status=running.
type SessionConflictError struct {
	Label string // device ID or the rejected sync ID, whichever the caller has
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("a sync session is already running (%s)", e.Label)
}

func (e *SessionConflictError) Unwrap() error { return ErrSessionConflict }

// NewSessionConflictError constructs a SessionConflictError.
func NewSessionConflictError(label string) *SessionConflictError {
	return &SessionConflictError{Label: label}
}
