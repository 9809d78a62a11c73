// Package provider is the HTTP client for the channel gateway's admin API.
// The gateway owns channel instances; the console only reads health, fetches
// pairing codes, and drives lifecycle operations through this client.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openclaw/console-server-go/internal/config"
	apperrors "github.com/openclaw/console-server-go/internal/errors"
	"github.com/openclaw/console-server-go/internal/model"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: config.GatewayRequestTimeout,
		},
	}
}

// CheckHealth reads one instance's link state. Failures are probe errors:
// the caller retries on its next tick and must not treat them as fatal.
func (c *Client) CheckHealth(ctx context.Context, instanceID string) (model.HealthReport, error) {
	data, err := c.doRequest(ctx, http.MethodGet, instancePath(instanceID)+"/health", nil)
	if err != nil {
		return model.HealthReport{}, apperrors.ProbeFailed("health check", err)
	}

	var report model.HealthReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.HealthReport{}, apperrors.ProbeFailed("health check", fmt.Errorf("unmarshal report: %w", err))
	}
	return report, nil
}

// pairingCodeResponse mirrors the gateway payload. Paired is decoded but
// never read: link state comes from the health endpoint alone.
type pairingCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
	Paired    bool      `json:"paired"`
}

// FetchPairingCode asks the gateway to issue a fresh pairing code for the
// instance. Like CheckHealth, failures are probe errors.
func (c *Client) FetchPairingCode(ctx context.Context, instanceID string) (model.PairingArtifact, error) {
	data, err := c.doRequest(ctx, http.MethodPost, instancePath(instanceID)+"/pairing-code", nil)
	if err != nil {
		return model.PairingArtifact{}, apperrors.ProbeFailed("pairing code fetch", err)
	}

	var resp pairingCodeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return model.PairingArtifact{}, apperrors.ProbeFailed("pairing code fetch", fmt.Errorf("unmarshal code: %w", err))
	}
	if resp.Code == "" {
		return model.PairingArtifact{}, apperrors.ProbeFailed("pairing code fetch", fmt.Errorf("gateway returned empty code"))
	}

	return model.PairingArtifact{Code: resp.Code, ExpiresAt: resp.ExpiresAt}, nil
}

func (c *Client) ListInstances(ctx context.Context) ([]model.Instance, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/admin/instances", nil)
	if err != nil {
		return nil, apperrors.InstanceFailed("list", err)
	}

	var result struct {
		Instances []model.Instance `json:"instances"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, apperrors.InstanceFailed("list", fmt.Errorf("unmarshal instances: %w", err))
	}
	return result.Instances, nil
}

func (c *Client) CreateInstance(ctx context.Context, params model.CreateInstanceParams) (*model.Instance, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.InstanceFailed("create", fmt.Errorf("marshal params: %w", err))
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/admin/instances", body)
	if err != nil {
		return nil, lifecycleError("create", "", err)
	}
	return decodeInstance("create", data)
}

func (c *Client) StartInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	return c.lifecycleOp(ctx, "start", instanceID)
}

func (c *Client) StopInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	return c.lifecycleOp(ctx, "stop", instanceID)
}

func (c *Client) RestartInstance(ctx context.Context, instanceID string) (*model.Instance, error) {
	return c.lifecycleOp(ctx, "restart", instanceID)
}

func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	if _, err := c.doRequest(ctx, http.MethodDelete, instancePath(instanceID), nil); err != nil {
		return lifecycleError("delete", instanceID, err)
	}
	return nil
}

func (c *Client) lifecycleOp(ctx context.Context, op, instanceID string) (*model.Instance, error) {
	data, err := c.doRequest(ctx, http.MethodPost, instancePath(instanceID)+"/"+op, nil)
	if err != nil {
		return nil, lifecycleError(op, instanceID, err)
	}
	return decodeInstance(op, data)
}

func decodeInstance(op string, data []byte) (*model.Instance, error) {
	var inst model.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, apperrors.InstanceFailed(op, fmt.Errorf("unmarshal instance: %w", err))
	}
	return &inst, nil
}

func lifecycleError(op, instanceID string, err error) error {
	if statusErr, ok := err.(*statusError); ok {
		switch statusErr.status {
		case http.StatusNotFound:
			return apperrors.InstanceNotFound(instanceID)
		case http.StatusConflict:
			return apperrors.InstanceConflict(fmt.Sprintf("Instance %s cannot %s in its current state", instanceID, op))
		}
	}
	return apperrors.InstanceFailed(op, err)
}

func instancePath(instanceID string) string {
	return "/admin/instances/" + url.PathEscape(instanceID)
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.status, e.body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &statusError{status: resp.StatusCode, body: string(data)}
	}

	return data, nil
}
