// Package directory is the HTTP client for the upstream agent directory and
// trust service that backs the /discovery and /trust proxy endpoints.
package directory

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
)

var (
	// ErrUnavailable means the upstream could not be reached at all.
	ErrUnavailable = errors.New("directory service unreachable")
	// ErrUpstream means the upstream answered with a non-2xx status.
	ErrUpstream = errors.New("directory service error")
)

// Client fetches typed records from the upstream node.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient parses nodeURL. An empty URL is a configuration error; the
// caller disables the proxy endpoints instead.
func NewClient(nodeURL string) (*Client, error) {
	base, err := url.Parse(nodeURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid node URL %q", nodeURL)
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Agents proxies the agent search listing; query is forwarded verbatim.
func (c *Client) Agents(ctx context.Context, query url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/discovery/agents", query, nil)
}

// Agent fetches a single directory record by DID.
func (c *Client) Agent(ctx context.Context, did string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/discovery/agents/"+url.PathEscape(did), nil, nil)
}

// Search proxies a structured search request body.
func (c *Client) Search(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/discovery/search", nil, body)
}

// Trust fetches the network-side trust record for a DID.
func (c *Client) Trust(ctx context.Context, did string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/trust/"+url.PathEscape(did), nil, nil)
}

// StatusError preserves the upstream status for 404 pass-through.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory service returned %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

// do issues one request. path arrives already percent-escaped by the caller,
// so the URL is assembled as a string; round-tripping it through url.URL.Path
// would escape it a second time.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	target := strings.TrimRight(c.base.String(), "/") + path
	if query != nil {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return json.RawMessage(data), nil
}
