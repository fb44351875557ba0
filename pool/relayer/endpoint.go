// Package relayer submits proven transactions through a set of
// interchangeable relay endpoints, failing over between them.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/colorfulnotion/shieldpool/poolerrors"
	"github.com/colorfulnotion/shieldpool/types"
)

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

// Endpoint is one relay. Any healthy endpoint can carry any submission.
type Endpoint interface {
	Name() string
	Submit(ctx context.Context, sub *types.Submission) (*types.RelayReceipt, error)
	Health(ctx context.Context) (HealthStatus, error)
}

// StatusError is a non-200 answer from a relay. 5xx responses match
// ErrEndpointUnavailable, 4xx match ErrSubmissionRejected.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case poolerrors.ErrEndpointUnavailable:
		return e.StatusCode >= 500
	case poolerrors.ErrSubmissionRejected:
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
	return false
}

type healthResponse struct {
	Status HealthStatus `json:"status"`
}

// HTTPEndpoint speaks the relay JSON API: POST /submit and GET /health.
type HTTPEndpoint struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

func NewHTTPEndpoint(name, baseURL string) *HTTPEndpoint {
	return &HTTPEndpoint{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (e *HTTPEndpoint) Name() string {
	return e.name
}

func (e *HTTPEndpoint) URL() string {
	return e.baseURL
}

func (e *HTTPEndpoint) Submit(ctx context.Context, sub *types.Submission) (*types.RelayReceipt, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var receipt types.RelayReceipt
	if err := e.do(req, &receipt); err != nil {
		return nil, err
	}
	if receipt.ConfirmationHandle == "" {
		return nil, fmt.Errorf("relay %s: receipt without confirmation handle", e.name)
	}
	receipt.Endpoint = e.name
	return &receipt, nil
}

func (e *HTTPEndpoint) Health(ctx context.Context) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return "", err
	}
	var resp healthResponse
	if err := e.do(req, &resp); err != nil {
		return "", err
	}
	switch resp.Status {
	case HealthOK, HealthDegraded:
		return resp.Status, nil
	default:
		return "", fmt.Errorf("relay %s: unknown health status %q", e.name, resp.Status)
	}
}

func (e *HTTPEndpoint) do(req *http.Request, out interface{}) error {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay %s: %w", e.name, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("relay %s: read response: %w", e.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Endpoint: e.name, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("relay %s: decode response: %w", e.name, err)
	}
	return nil
}
