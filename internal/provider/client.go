// Package provider implements a client for the messaging provider that owns the
// actual WhatsApp sessions (an Evolution API v2 server). The client only moves
// data: it never decides connection status, and it never retries on its own.
//
// Every call runs under the caller's context. The service layer applies the
// per-operation deadlines (health check, status query, connect) so a timeout
// surfaces here as a context error and is treated like any other provider failure.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/channelhub/channelhub/internal/telemetry"
)

// State is the provider's view of a session's connection.
type State string

const (
	StateOpen       State = "open"
	StateConnecting State = "connecting"
	StateClose      State = "close"
)

// ParseState normalises the provider's state strings. Unknown values map to "".
func ParseState(v string) State {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "open", "connected":
		return StateOpen
	case "connecting":
		return StateConnecting
	case "close", "closed", "disconnected":
		return StateClose
	}
	return ""
}

// PairingCode is a QR payload issued by the provider. Code is opaque to the service.
type PairingCode struct {
	Code  string
	Count int
}

// RemoteInstance is one session as listed by the provider.
type RemoteInstance struct {
	Name  string
	State State
}

// APIError is returned for non-2xx provider responses.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// ErrInstanceNotFound is returned when the provider does not know the session name.
var ErrInstanceNotFound = errors.New("provider instance not found")

// EvolutionClient talks to an Evolution API server
type EvolutionClient struct {
	BaseURL     string
	APIKey      string
	Integration string
	WebhookURL  string
	HTTPClient  *http.Client
}

// NewEvolutionClient creates a new provider client. requestTimeout is an upper
// bound on any single HTTP exchange; callers pass tighter deadlines via context.
func NewEvolutionClient(baseURL, apiKey, integration, webhookURL string, requestTimeout time.Duration) *EvolutionClient {
	return &EvolutionClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Integration: integration,
		WebhookURL:  webhookURL,
		HTTPClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// ValidateBaseURL checks that a provider URL is an absolute http(s) URL with a host
func ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("provider URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid provider URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("provider URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("provider URL must include a host")
	}
	return nil
}

type serverInfoResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Version string `json:"version"`
}

type createInstanceRequest struct {
	InstanceName string          `json:"instanceName"`
	QRCode       bool            `json:"qrcode"`
	Integration  string          `json:"integration,omitempty"`
	Webhook      *webhookRequest `json:"webhook,omitempty"`
}

type webhookRequest struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	ByEvents bool     `json:"byEvents"`
	Base64   bool     `json:"base64"`
	Events   []string `json:"events"`
}

type connectResponse struct {
	PairingCode *string `json:"pairingCode"`
	Code        string  `json:"code"`
	Base64      string  `json:"base64"`
	Count       int     `json:"count"`
}

type connectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

type fetchInstancesEntry struct {
	Name             string `json:"name"`
	ConnectionStatus string `json:"connectionStatus"`
}

// SubscribedEvents are the webhook events the service consumes.
var SubscribedEvents = []string{"QRCODE_UPDATED", "CONNECTION_UPDATE", "STATUS_INSTANCE"}

// ServerVersion returns the provider server's reported version
func (c *EvolutionClient) ServerVersion(ctx context.Context) (*version.Version, error) {
	var info serverInfoResponse
	if err := c.do(ctx, "server_info", http.MethodGet, "/", nil, &info); err != nil {
		return nil, err
	}
	if info.Version == "" {
		return nil, fmt.Errorf("provider did not report a version")
	}
	v, err := version.NewVersion(info.Version)
	if err != nil {
		return nil, fmt.Errorf("provider reported invalid version %q: %w", info.Version, err)
	}
	return v, nil
}

// CheckCompatibility verifies that the provider server satisfies the minimum version
func (c *EvolutionClient) CheckCompatibility(ctx context.Context, minVersion string) error {
	if minVersion == "" {
		return nil
	}
	min, err := version.NewVersion(minVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum provider version %q: %w", minVersion, err)
	}
	got, err := c.ServerVersion(ctx)
	if err != nil {
		return err
	}
	if got.LessThan(min) {
		return fmt.Errorf("provider version %s is older than required %s", got, min)
	}
	return nil
}

// CreateInstance creates a provider session and subscribes it to the service's webhook
func (c *EvolutionClient) CreateInstance(ctx context.Context, name string) error {
	body := createInstanceRequest{
		InstanceName: name,
		QRCode:       false,
		Integration:  c.Integration,
	}
	if c.WebhookURL != "" {
		body.Webhook = &webhookRequest{
			Enabled:  true,
			URL:      c.WebhookURL,
			ByEvents: false,
			Base64:   false,
			Events:   SubscribedEvents,
		}
	}
	return c.do(ctx, "create", http.MethodPost, "/instance/create", body, nil)
}

// Connect asks the provider to start pairing and returns the issued code
func (c *EvolutionClient) Connect(ctx context.Context, name string) (*PairingCode, error) {
	var resp connectResponse
	if err := c.do(ctx, "connect", http.MethodGet, "/instance/connect/"+url.PathEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	code := resp.Code
	if code == "" {
		code = resp.Base64
	}
	if code == "" && resp.PairingCode != nil {
		code = *resp.PairingCode
	}
	if code == "" {
		return nil, fmt.Errorf("provider connect returned no pairing code")
	}
	return &PairingCode{Code: code, Count: resp.Count}, nil
}

// RefreshPairing restarts the session and fetches a fresh pairing code
func (c *EvolutionClient) RefreshPairing(ctx context.Context, name string) (*PairingCode, error) {
	if err := c.do(ctx, "restart", http.MethodPost, "/instance/restart/"+url.PathEscape(name), nil, nil); err != nil {
		return nil, err
	}
	return c.Connect(ctx, name)
}

// Logout ends the provider session
func (c *EvolutionClient) Logout(ctx context.Context, name string) error {
	return c.do(ctx, "logout", http.MethodDelete, "/instance/logout/"+url.PathEscape(name), nil, nil)
}

// ConnectionState returns the provider's current state for a session
func (c *EvolutionClient) ConnectionState(ctx context.Context, name string) (State, error) {
	var resp connectionStateResponse
	if err := c.do(ctx, "connection_state", http.MethodGet, "/instance/connectionState/"+url.PathEscape(name), nil, &resp); err != nil {
		return "", err
	}
	state := ParseState(resp.Instance.State)
	if state == "" {
		return "", fmt.Errorf("provider reported unknown state %q", resp.Instance.State)
	}
	return state, nil
}

// FetchInstances lists every session known to the provider
func (c *EvolutionClient) FetchInstances(ctx context.Context) ([]RemoteInstance, error) {
	var entries []fetchInstancesEntry
	if err := c.do(ctx, "fetch_instances", http.MethodGet, "/instance/fetchInstances", nil, &entries); err != nil {
		return nil, err
	}
	out := make([]RemoteInstance, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		out = append(out, RemoteInstance{Name: e.Name, State: ParseState(e.ConnectionStatus)})
	}
	return out, nil
}

// do performs one JSON request. A nil out discards the response body.
func (c *EvolutionClient) do(ctx context.Context, operation, method, path string, in, out interface{}) (err error) {
	started := time.Now()
	defer func() { telemetry.ObserveProviderCall(operation, started, err) }()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", operation, ErrInstanceNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", operation, err)
	}
	return nil
}
