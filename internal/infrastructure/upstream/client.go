// Package upstream implements the point-of-sale catalog source.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"possync/internal/core/apperror"
	appctx "possync/internal/core/context"
	"possync/internal/domain/catalog"
)

// Compile-time interface check.
var _ catalog.Source = (*Client)(nil)

const maxResponseBytes = 8 << 20

// Client reads the current catalog from the point-of-sale platform over HTTP.
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

// NewClient creates a point-of-sale catalog client.
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

// catalogResponse is the platform's catalog payload.
type catalogResponse struct {
	Products []catalog.Product `json:"products"`
}

// FetchCurrentCatalog reads the full catalog for one scope. The platform is
// the source of truth, so any failure here is transient from the engine's
// point of view and the previous snapshot stays authoritative.
func (c *Client) FetchCurrentCatalog(ctx context.Context, scope catalog.ScopeKey) (*catalog.Catalog, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/locations/%s/catalog?scope=%s",
		c.baseURL,
		url.PathEscape(scope.AccountID),
		url.PathEscape(scope.LocationID),
		url.QueryEscape(scope.CatalogScope),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if corrID := appctx.GetCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperror.NewDownstream(fmt.Errorf("fetch catalog %s: %w", scope, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperror.NewDownstream(fmt.Errorf("read catalog %s: %w", scope, err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperror.NewDownstream(fmt.Errorf("catalog fetch %s returned %d", scope, resp.StatusCode))
	}

	var payload catalogResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperror.NewDownstream(fmt.Errorf("decode catalog %s: %w", scope, err))
	}
	return catalog.NewCatalog(scope, payload.Products), nil
}
