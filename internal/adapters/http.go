// Package adapters holds the HTTP plumbing shared by provider
// adapter implementations.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/keymux/internal/tracing"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 60 * time.Second

// StatusError is an HTTP response the provider rejected. Adapters map
// it into a routing.SystemError.
type StatusError struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("adapters: provider returned status %d", e.StatusCode)
}

// RetryAfter parses the Retry-After header, either delta-seconds or an
// HTTP date. Zero means the provider sent no usable hint.
func (e *StatusError) RetryAfter() time.Duration {
	v := e.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Client is a thin JSON HTTP client with trace propagation on
// outgoing requests.
type Client struct {
	http *http.Client
}

// NewClient creates a client with the given timeout (DefaultTimeout
// when zero).
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: tracing.HTTPTransport(nil),
		},
	}
}

// PostJSON sends a JSON payload with a bearer token and returns the
// response body. Non-2xx responses come back as *StatusError.
func (c *Client) PostJSON(ctx context.Context, url, bearer string, payload any) ([]byte, error) {
	return c.PostJSONHeaders(ctx, url, map[string]string{"Authorization": "Bearer " + bearer}, payload)
}

// PostJSONHeaders is PostJSON with provider-specific auth headers.
func (c *Client) PostJSONHeaders(ctx context.Context, url string, headers map[string]string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("adapters: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("adapters: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("adapters: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: body, Header: resp.Header}
	}
	return body, nil
}

// Get performs a GET with a bearer token, for health probes.
func (c *Client) Get(ctx context.Context, url, bearer string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp.StatusCode, nil
}
