// Package client talks to a running camvisr daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ErrNotFound is returned for 404 replies, e.g. renewing an expired lease.
var ErrNotFound = errors.New("not found")

// Client provides HTTP client functionality to communicate with the camvisr daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. A TLS misconfiguration is logged and the default
// transport is used.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) Status(ctx context.Context) ([]CameraStatus, error) {
	var out []CameraStatus
	return out, c.do(ctx, http.MethodGet, "/status", nil, &out)
}

func (c *Client) CameraStatus(ctx context.Context, id int64) (CameraStatus, error) {
	var out CameraStatus
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/cameras/%d/status", id), nil, &out)
}

func (c *Client) ListCameras(ctx context.Context) ([]Camera, error) {
	var out []Camera
	return out, c.do(ctx, http.MethodGet, "/admin/cameras", nil, &out)
}

func (c *Client) GetCamera(ctx context.Context, id int64) (Camera, error) {
	var out Camera
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/admin/cameras/%d", id), nil, &out)
}

func (c *Client) CreateCamera(ctx context.Context, cam Camera) (Camera, error) {
	var out Camera
	return out, c.do(ctx, http.MethodPost, "/admin/cameras", cam, &out)
}

// UpdateCamera sends a partial update; only the keys present in fields change.
func (c *Client) UpdateCamera(ctx context.Context, id int64, fields map[string]any) (Camera, error) {
	var out Camera
	return out, c.do(ctx, http.MethodPut, fmt.Sprintf("/admin/cameras/%d", id), fields, &out)
}

func (c *Client) DeleteCamera(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/admin/cameras/%d", id), nil, nil)
}

func (c *Client) AddStream(ctx context.Context, cameraID int64, st Stream) (Stream, error) {
	var out Stream
	return out, c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/cameras/%d/streams", cameraID), st, &out)
}

func (c *Client) DeleteStream(ctx context.Context, cameraID, streamID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/admin/cameras/%d/streams/%d", cameraID, streamID), nil, nil)
}

// StartCamera starts the configured roles (grid and recording).
func (c *Client) StartCamera(ctx context.Context, id int64) ([]StartResult, error) {
	var out []StartResult
	return out, c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/cameras/%d/start", id), nil, &out)
}

func (c *Client) StopCamera(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/cameras/%d/stop", id), nil, nil)
}

func (c *Client) StartRole(ctx context.Context, id int64, role string) (StartResult, error) {
	var out StartResult
	return out, c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/cameras/%d/roles/%s/start", id, role), nil, &out)
}

func (c *Client) StopRole(ctx context.Context, id int64, role string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/admin/cameras/%d/roles/%s/stop", id, role), nil, nil)
}

func (c *Client) Watch(ctx context.Context, id int64, role string) (Watch, error) {
	var out Watch
	return out, c.do(ctx, http.MethodPost, fmt.Sprintf("/cameras/%d/roles/%s/watch", id, role), nil, &out)
}

func (c *Client) AcquireLease(ctx context.Context, id int64, role string) (Lease, error) {
	var out Lease
	return out, c.do(ctx, http.MethodPost, fmt.Sprintf("/cameras/%d/roles/%s/leases", id, role), nil, &out)
}

// RenewLease returns ErrNotFound when the lease expired; acquire a new one then.
func (c *Client) RenewLease(ctx context.Context, id int64, role, lease string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/cameras/%d/roles/%s/leases/%s", id, role, lease), nil, nil)
}

func (c *Client) ReleaseLease(ctx context.Context, id int64, role, lease string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/cameras/%d/roles/%s/leases/%s", id, role, lease), nil, nil)
}

func (c *Client) Recordings(ctx context.Context, id int64, date string) ([]Recording, error) {
	var out []Recording
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/cameras/%d/recordings/%s", id, date), nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		errorResp.Message = http.StatusText(resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	msg := errorResp.Message
	if msg == "" {
		msg = errorResp.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, msg)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- opt-in for self-signed daemons
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify // #nosec G402
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		pem, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}
