// Package jsonrpc is the JSON-RPC 2.0 over HTTP transport shared by the
// prover and ledger clients and their devnet servers.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/colorfulnotion/shieldpool/log"
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// Error represents a JSON-RPC error. Servers return it from handlers to
// pick the code; clients get it back from Call.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// HTTPError is a non-200 response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// ErrorCode extracts the JSON-RPC code from err, or 0.
func ErrorCode(err error) int {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}

// Client calls one JSON-RPC endpoint.
type Client struct {
	module     string
	baseURL    string
	httpClient *http.Client

	// Statistics (protected by mutex)
	statsMu         sync.RWMutex
	totalCalls      int64
	successfulCalls int64
	errorCalls      int64
}

// NewClient creates a client logging under module. timeout bounds every
// call in addition to the caller's context.
func NewClient(module, baseURL string, timeout time.Duration) *Client {
	return &Client{
		module:  module,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Call performs method with params and decodes the result into result,
// which may be nil.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	c.statsMu.Lock()
	c.totalCalls++
	callID := c.totalCalls
	c.statsMu.Unlock()

	err := c.call(ctx, callID, method, params, result)

	c.statsMu.Lock()
	if err != nil {
		c.errorCalls++
	} else {
		c.successfulCalls++
	}
	c.statsMu.Unlock()
	return err
}

func (c *Client) call(ctx context.Context, callID int64, method string, params interface{}, result interface{}) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	requestBody, err := json.Marshal(Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
		ID:      callID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: httpResp.StatusCode, Body: string(bytes.TrimSpace(responseBody))}
	}

	var rpcResponse Response
	if err := json.Unmarshal(responseBody, &rpcResponse); err != nil {
		return fmt.Errorf("failed to parse JSON-RPC response: %w", err)
	}
	if rpcResponse.Error != nil {
		return rpcResponse.Error
	}
	if result != nil && len(rpcResponse.Result) > 0 {
		if err := json.Unmarshal(rpcResponse.Result, result); err != nil {
			return fmt.Errorf("unexpected result format for %s: %w", method, err)
		}
	}

	log.Trace(c.module, "RPC call completed",
		"method", method,
		"duration", time.Since(start),
		"status", "success")
	return nil
}

// GetStats returns RPC client statistics
func (c *Client) GetStats() map[string]interface{} {
	c.statsMu.RLock()
	totalCalls := c.totalCalls
	successfulCalls := c.successfulCalls
	errorCalls := c.errorCalls
	c.statsMu.RUnlock()

	successRate := float64(0)
	if totalCalls > 0 {
		successRate = float64(successfulCalls) / float64(totalCalls) * 100
	}

	return map[string]interface{}{
		"total_calls":      totalCalls,
		"successful_calls": successfulCalls,
		"error_calls":      errorCalls,
		"success_rate":     successRate,
		"base_url":         c.baseURL,
	}
}

// SetTimeout configures the HTTP client timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}
