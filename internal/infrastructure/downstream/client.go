// Package downstream implements the delivery platform client.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"possync/internal/core/apperror"
	appctx "possync/internal/core/context"
	"possync/internal/domain/delta"
	"possync/pkg/logger"
)

// Compile-time interface check.
var _ delta.Submitter = (*Client)(nil)

const maxResponseBytes = 1 << 20

// Client submits delta payloads to the delivery platform over HTTP.
// Payloads travel as zstd-compressed JSON, announced via Content-Encoding.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) Option {
	return func(c *Client) {
		c.http = cl
	}
}

// WithAPIKey sets the platform API key sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// NewClient creates a delivery platform client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// importResponse is the platform's answer to a menu import.
type importResponse struct {
	ImportID string `json:"importId"`
	Message  string `json:"message,omitempty"`
}

// SubmitDelta posts one compressed payload for a vendor. Network failures and
// 5xx answers come back as transient errors; 4xx rejections are permanent.
func (c *Client) SubmitDelta(ctx context.Context, payload []byte, vendorCode string) delta.SubmitResult {
	url := fmt.Sprintf("%s/v1/vendors/%s/menu/import", c.baseURL, vendorCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return delta.SubmitResult{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "zstd")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if corrID := appctx.GetCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return delta.SubmitResult{Err: apperror.NewDownstream(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return delta.SubmitResult{Err: apperror.NewDownstream(err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var imported importResponse
		if err := json.Unmarshal(body, &imported); err != nil {
			return delta.SubmitResult{Err: apperror.NewDownstream(fmt.Errorf("decode import response: %w", err))}
		}
		return delta.SubmitResult{Success: true, ImportID: imported.ImportID}

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		logger.Warn(ctx, "downstream submission failed",
			"status", resp.StatusCode,
			"vendor", vendorCode,
		)
		return delta.SubmitResult{Err: apperror.NewDownstream(fmt.Errorf("platform returned %d: %s", resp.StatusCode, truncate(body, 256)))}

	default:
		// 4xx: retrying the same payload cannot succeed.
		return delta.SubmitResult{Err: apperror.NewValidation(fmt.Sprintf("platform rejected payload with %d: %s", resp.StatusCode, truncate(body, 256)))}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
