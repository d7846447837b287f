// Package transport is the sync engine's HTTP client: bearer derivation,
// optional gzip payload compression, a fixed endpoint surface on the
// authority, and bounded retry of transient failures within a single
// logical call.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/digitmide/stabsync/internal/identity"
	"github.com/digitmide/stabsync/pkg/syncerr"
	"github.com/digitmide/stabsync/pkg/util"
)

const (
	timeoutPushPull   = 30 * time.Second
	timeoutInitial    = 60 * time.Second
	timeoutValidate   = 10 * time.Second
	timeoutHeartbeat  = 5 * time.Second
	maxTransientRetry = 3
)

// Client is the HTTP transport used by the license store and reconciler.
// One Client is constructed per process and its connection pool is
// reused across reconciliation cycles.
type Client struct {
	baseURL     string
	deviceID    string
	compression bool
	httpClient  *http.Client
}

// NewClient constructs a transport Client.
func NewClient(baseURL, deviceID string, compression bool) *Client {
	return &Client{
		baseURL:     baseURL,
		deviceID:    deviceID,
		compression: compression,
		httpClient:  &http.Client{},
	}
}

// BaseURL returns the authority base URL this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// callOpts carries the per-call headers that don't apply uniformly to
// every endpoint: X-Sync-ID (push/pull, once a session is open) and
// X-API-Key (the legacy api_key auth path, per §6's header table).
type callOpts struct {
	syncID string
	apiKey string
}

// bearerToken derives Authorization: Bearer <token> per §4.5:
// token = SHA-256(<license_key>:<device_id>:<unix_seconds>) as lowercase hex.
func bearerToken(licenseKey, deviceID string) string {
	now := time.Now().Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", licenseKey, deviceID, now)))
	return hex.EncodeToString(sum[:])
}

// ValidateLicenseRequest is the body of POST /api/pi/licenses/validate.
type ValidateLicenseRequest struct {
	LicenseKey       string             `json:"license_key"`
	DeviceID         string             `json:"device_id"`
	Hostname         string             `json:"hostname"`
	PiVersion        string             `json:"pi_version"`
	SystemInfo       identity.SystemInfo `json:"system_info"`
	RegistrationType string             `json:"registration_type"`
}

// ValidateLicenseResponse is the success body of the validate endpoint.
type ValidateLicenseResponse struct {
	ValidUntil   time.Time       `json:"valid_until"`
	Features     map[string]bool `json:"features"`
	Tier         string          `json:"tier"`
	Organization string          `json:"organization"`
	MaxDevices   int             `json:"max_devices"`
	SyncInterval int             `json:"sync_interval"`
}

// ValidateLicense calls POST /api/pi/licenses/validate.
func (c *Client) ValidateLicense(ctx context.Context, req ValidateLicenseRequest) (*ValidateLicenseResponse, error) {
	var resp ValidateLicenseResponse
	err := c.call(ctx, http.MethodPost, "/api/pi/licenses/validate", req, &resp, req.LicenseKey, timeoutValidate, callOpts{})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegisterDeviceRequest is the body of POST /api/pi/devices/register.
type RegisterDeviceRequest struct {
	LicenseKey       string             `json:"license_key"`
	DeviceID         string             `json:"device_id"`
	Hostname         string             `json:"hostname"`
	SystemInfo       identity.SystemInfo `json:"system_info"`
	RegistrationType string             `json:"registration_type"`
}

// RegisterDeviceResponse is the success body of the register endpoint.
type RegisterDeviceResponse struct {
	Token        string          `json:"token"`
	SyncEndpoint string          `json:"sync_endpoint"`
	Features     map[string]bool `json:"features"`
}

// RegisterDevice calls POST /api/pi/devices/register.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*RegisterDeviceResponse, error) {
	var resp RegisterDeviceResponse
	err := c.call(ctx, http.MethodPost, "/api/pi/devices/register", req, &resp, req.LicenseKey, timeoutValidate, callOpts{})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// LegacyRegisterRequest is the body of POST /api/pi/register.
type LegacyRegisterRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
	LicenseKey string `json:"license_key"`
}

// LegacyRegisterResponse is the success body of the legacy register endpoint.
type LegacyRegisterResponse struct {
	APIKey string `json:"api_key"`
}

// LegacyRegister calls POST /api/pi/register.
func (c *Client) LegacyRegister(ctx context.Context, req LegacyRegisterRequest) (*LegacyRegisterResponse, error) {
	var resp LegacyRegisterResponse
	err := c.call(ctx, http.MethodPost, "/api/pi/register", req, &resp, req.LicenseKey, timeoutValidate, callOpts{})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChangePayload is the wire representation of a single ChangeEntry sent
// during push.
type ChangePayload struct {
	Seq       int64                  `json:"seq"`
	TableName string                 `json:"table_name"`
	RecordID  string                 `json:"record_id"`
	Operation string                 `json:"operation"`
	DataHash  string                 `json:"data_hash"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// PushRequest is the body of POST /api/pi/sync/push.
type PushRequest struct {
	DeviceID  string          `json:"device_id"`
	SyncID    string          `json:"sync_id"`
	Changes   []ChangePayload `json:"changes"`
	Timestamp time.Time       `json:"timestamp"`
}

// Push calls POST /api/pi/sync/push with the current batch, gzipping the
// body when compression is enabled.
func (c *Client) Push(ctx context.Context, licenseKey string, req PushRequest) error {
	return c.call(ctx, http.MethodPost, "/api/pi/sync/push", req, nil, licenseKey, timeoutPushPull, callOpts{syncID: req.SyncID})
}

// RemoteChange is one row mutation returned by pull or initial.
type RemoteChange struct {
	TableName string                 `json:"table_name"`
	RecordID  string                 `json:"record_id"`
	Operation string                 `json:"operation"`
	Data      map[string]interface{} `json:"data"`
}

// PullResponse is the success body of GET /api/pi/sync/pull.
type PullResponse struct {
	Changes []RemoteChange `json:"changes"`
}

// Pull calls GET /api/pi/sync/pull?device_id=…&since=…&limit=….
// since may be the zero time, meaning "since forever". syncID identifies
// the open session this pull belongs to and is sent as X-Sync-ID.
func (c *Client) Pull(ctx context.Context, licenseKey, syncID, deviceID string, since time.Time, limit int) (*PullResponse, error) {
	path := fmt.Sprintf("/api/pi/sync/pull?device_id=%s&limit=%d", deviceID, limit)
	if !since.IsZero() {
		path += "&since=" + since.UTC().Format(time.RFC3339)
	}
	var resp PullResponse
	err := c.call(ctx, http.MethodGet, path, nil, &resp, licenseKey, timeoutPushPull, callOpts{syncID: syncID})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Initial calls GET /api/pi/sync/initial?device_id=… and returns the
// table-name to row-list map used by bootstrap.
func (c *Client) Initial(ctx context.Context, licenseKey, deviceID string) (map[string][]map[string]interface{}, error) {
	path := fmt.Sprintf("/api/pi/sync/initial?device_id=%s", deviceID)
	var resp map[string][]map[string]interface{}
	err := c.call(ctx, http.MethodGet, path, nil, &resp, licenseKey, timeoutInitial, callOpts{})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Heartbeat calls POST /api/pi/heartbeat and swallows failures, returning
// false rather than an error, per §4.7's "cheap liveness probe" contract.
// apiKey is the legacy device credential: it derives the bearer token and
// is also sent as X-API-Key, per §6's header table for the legacy flow.
func (c *Client) Heartbeat(ctx context.Context, deviceID, apiKey string) bool {
	ctx, cancel := context.WithTimeout(ctx, timeoutHeartbeat)
	defer cancel()

	body := map[string]string{"device_id": deviceID, "api_key": apiKey}
	err := c.call(ctx, http.MethodPost, "/api/pi/heartbeat", body, nil, apiKey, timeoutHeartbeat, callOpts{apiKey: apiKey})
	if err != nil {
		util.Debugf("heartbeat failed: %v", err)
		return false
	}
	return true
}

// call performs one logical HTTP round trip with retry of transient
// failures (connection refused, timeout, DNS) using capped exponential
// backoff, bounded to maxTransientRetry retries after the first attempt. Server rejections
// (4xx/5xx) are never retried within the call.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody interface{}, licenseKey string, timeout time.Duration, opts callOpts) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransientRetry)
	policy = backoff.WithContext(policy, ctx)

	var lastErr error
	op := func() error {
		err := c.doOnce(ctx, method, path, reqBody, respBody, licenseKey, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		if isTransient(err) {
			return err // retry
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, policy); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// isTransient reports whether err is a connection-level failure (no HTTP
// response received at all) rather than a server rejection. doOnce
// already classifies these distinctly: a TransportError means the
// request never got a response; a ServerRejectionError means it did and
// the body/status says no.
func isTransient(err error) bool {
	var te *syncerr.TransportError
	return errors.As(err, &te)
}

func (c *Client) doOnce(ctx context.Context, method, path string, reqBody, respBody interface{}, licenseKey string, opts callOpts) error {
	url := c.baseURL + path

	var bodyReader io.Reader
	var contentEncoding string
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		if c.compression {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(raw); err != nil {
				return fmt.Errorf("compressing request body: %w", err)
			}
			if err := gz.Close(); err != nil {
				return fmt.Errorf("compressing request body: %w", err)
			}
			bodyReader = &buf
			contentEncoding = "gzip"
		} else {
			bodyReader = bytes.NewReader(raw)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if contentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", contentEncoding)
	}
	httpReq.Header.Set("X-Device-ID", c.deviceID)
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken(licenseKey, c.deviceID))
	if opts.syncID != "" {
		httpReq.Header.Set("X-Sync-ID", opts.syncID)
	}
	if opts.apiKey != "" {
		httpReq.Header.Set("X-API-Key", opts.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return syncerr.NewTransportError(path, err)
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return syncerr.NewTransportError(path, err)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return syncerr.NewTransportError(path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return syncerr.NewServerRejectionError(path, resp.StatusCode, string(data))
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}
