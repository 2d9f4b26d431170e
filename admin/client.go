// Package admin is a client for the backend's session administration API.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkoelker/newtab/backend"
)

const defaultClientTimeout = 10 * time.Second

var (
	ErrBaseURLMissing = errors.New("base URL is required")
	ErrRequestFailed  = errors.New("request failed")
)

// Client calls the admin endpoints with a bearer key.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// Config holds construction parameters for Client.
type Config struct {
	BaseURL  string
	APIKey   string
	Insecure bool
	Timeout  time.Duration
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrBaseURLMissing
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultClientTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib default
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed backends
	}

	return &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// ListSessions returns every registered session.
func (c *Client) ListSessions(ctx context.Context) ([]backend.SessionResponse, error) {
	var out []backend.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/sessions", &out); err != nil {
		return nil, err
	}

	return out, nil
}

// GetSession returns one session.
func (c *Client) GetSession(ctx context.Context, extensionID string) (*backend.SessionResponse, error) {
	var out backend.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/admin/sessions/"+url.PathEscape(extensionID), &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// RevokeSession deletes a session; the extension must register again.
func (c *Client) RevokeSession(ctx context.Context, extensionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/admin/sessions/"+url.PathEscape(extensionID), nil)
}

func (c *Client) do(ctx context.Context, method, path string, dest any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(ref).String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(resp)
	}

	if dest == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func statusError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return fmt.Errorf("%w: status %d", ErrRequestFailed, resp.StatusCode)
	}

	return fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, msg)
}
