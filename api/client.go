// Package api is the authenticated HTTP client for backend resources.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkoelker/newtab/auth"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/storage"
	"github.com/jkoelker/newtab/tracing"
)

const (
	// httpClientTimeout is the timeout for HTTP client requests.
	httpClientTimeout = 30 * time.Second

	// http transport tuning.
	httpDialTimeout           = 30 * time.Second
	httpDialKeepAlive         = 30 * time.Second
	httpMaxIdleConns          = 100
	httpIdleConnTimeout       = 90 * time.Second
	httpTLSHandshakeTimeout   = 10 * time.Second
	httpExpectContinueTimeout = 1 * time.Second

	// httpClientMaxConnsPerHost keeps a new-tab burst (weather, stocks,
	// geocode at once) from opening a socket per widget.
	httpClientMaxConnsPerHost     = 6
	httpClientMaxIdleConnsPerHost = httpClientMaxConnsPerHost

	// ReauthCooldown is the minimum spacing between re-registration
	// retries triggered by 401 responses.
	ReauthCooldown = 5 * time.Minute

	// ValidatePath is the token validation endpoint.
	ValidatePath = "/api/auth/validate"
)

// ErrNoBaseURL is returned by calls that need the backend base URL.
var ErrNoBaseURL = errors.New("no backend base URL configured")

// StatusError is returned by Fetch for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return "HTTP error! status: " + strconv.Itoa(e.StatusCode)
}

// TokenProvider supplies credentials and request headers.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (auth.Credentials, error)
	Headers(ctx context.Context) (http.Header, error)
	UpdateUsageStats(ctx context.Context)
}

// Reregistrar performs a single registration attempt.
type Reregistrar interface {
	RegisterOnce(ctx context.Context, token string, id identity.Identity) error
}

// Options configures a Client.
type Options struct {
	// BaseURL is the backend origin, e.g. http://localhost:8080.
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenProvider
	Registrar  Reregistrar
	Store      storage.Store
	Clock      clock.Clock
}

// Client performs authenticated requests, re-registering once when the
// backend reports the installation as unknown.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	registrar  Reregistrar
	state      *auth.State
	clock      clock.Clock
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		tokens:     opts.Tokens,
		registrar:  opts.Registrar,
		state:      auth.NewState(opts.Store),
		clock:      opts.Clock,
	}

	if client.httpClient == nil {
		client.httpClient = NewHTTPClient()
	}

	if client.clock == nil {
		client.clock = clock.Real()
	}

	return client
}

// NewHTTPClient builds the shared HTTP client with per-host connection
// limits.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   httpDialTimeout,
			KeepAlive: httpDialKeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          httpMaxIdleConns,
		IdleConnTimeout:       httpIdleConnTimeout,
		TLSHandshakeTimeout:   httpTLSHandshakeTimeout,
		ExpectContinueTimeout: httpExpectContinueTimeout,
		MaxConnsPerHost:       httpClientMaxConnsPerHost,
		MaxIdleConnsPerHost:   httpClientMaxIdleConnsPerHost,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   httpClientTimeout,
	}
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends an authenticated request. Caller headers override the auth
// headers. A 401 whose body says the installation is not registered or
// inactive triggers one re-registration attempt and one retry, at most once
// per ReauthCooldown. The retry runs whether or not re-registration
// succeeded; otherwise the response is returned as received.
func (c *Client) Do(
	ctx context.Context,
	method,
	url string,
	body []byte,
	header http.Header,
) (*http.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "api.request", "http.method", method)
	defer span.End()

	resp, err := c.send(ctx, method, url, body, header)
	if err != nil {
		tracing.SetError(ctx, err)

		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	detail, err := rebuffer(resp)
	if err != nil {
		return nil, err
	}

	if !needsReregistration(detail) {
		return resp, nil
	}

	now := c.clock.Now()

	if last := c.state.Int64(ctx, storage.KeyLastAuthRetry); last > 0 && now.Sub(time.UnixMilli(last)) < ReauthCooldown {
		log.Debug(ctx, "Re-registration attempted recently, skipping retry")

		return resp, nil
	}

	log.Info(ctx, "Extension not registered, attempting re-registration")
	metrics.RecordCounter(ctx, "api_reregistrations_total", 1)

	c.state.Set(ctx, storage.KeyLastAuthRetry, now.UnixMilli())
	c.state.Remove(ctx, storage.KeyBackendRegistered)

	if err := c.reregister(ctx); err != nil {
		log.Error(ctx, err, "Failed to re-register")
	}

	resp.Body.Close()

	log.Info(ctx, "Retrying request after registration")

	return c.send(ctx, method, url, body, header)
}

func (c *Client) reregister(ctx context.Context) error {
	creds, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return err
	}

	if c.registrar == nil {
		return nil
	}

	return c.registrar.RegisterOnce(ctx, creds.Token, creds.Identity)
}

func (c *Client) send(
	ctx context.Context,
	method,
	url string,
	body []byte,
	header http.Header,
) (*http.Response, error) {
	authHeader, err := c.tokens.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth headers: %w", err)
	}

	maps.Copy(authHeader, header)

	return c.roundTrip(ctx, method, url, body, authHeader)
}

func (c *Client) roundTrip(
	ctx context.Context,
	method,
	url string,
	body []byte,
	header http.Header,
) (*http.Response, error) {
	start := c.clock.Now()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	maps.Copy(req.Header, header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordCounter(ctx, "api_requests_total", 1, "status", "error")

		return nil, fmt.Errorf("failed to make HTTP request: %w", err)
	}

	metrics.RecordCounter(ctx, "api_requests_total", 1, "status", strconv.Itoa(resp.StatusCode))
	metrics.RecordHistogram(ctx, "api_request_duration_seconds", c.clock.Now().Sub(start).Seconds())

	return resp, nil
}

// Validate asks the backend whether the current credentials are valid.
// Any failure reports false.
func (c *Client) Validate(ctx context.Context) bool {
	if c.baseURL == "" {
		log.Warn(ctx, "Token validation skipped", "error", ErrNoBaseURL.Error())

		return false
	}

	resp, err := c.Do(ctx, http.MethodGet, c.baseURL+ValidatePath, nil, nil)
	if err != nil {
		log.Warn(ctx, "Token validation failed", "error", err.Error())

		return false
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}

// Fetch performs an authenticated request and decodes the body: JSON
// responses are returned as is, anything else as a JSON string. When
// credentials are unavailable or the request fails in transport, the
// request is repeated once without authentication.
func (c *Client) Fetch(
	ctx context.Context,
	method,
	url string,
	header http.Header,
	body []byte,
) (json.RawMessage, error) {
	if method == "" {
		method = http.MethodGet
	}

	c.tokens.UpdateUsageStats(ctx)

	resp, err := c.Do(ctx, method, url, body, header)
	if err != nil {
		log.Warn(ctx, "Authenticated fetch failed, falling back to basic request", "error", err.Error())

		basic := http.Header{"Content-Type": []string{"application/json"}}
		maps.Copy(basic, header)

		resp, err = c.roundTrip(ctx, method, url, body, basic)
		if err != nil {
			return nil, err
		}
	}

	return decode(resp)
}

func decode(resp *http.Response) (json.RawMessage, error) {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON response from %s", resp.Request.URL.Redacted())
		}

		return data, nil
	}

	text, err := json.Marshal(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to encode text response: %w", err)
	}

	return text, nil
}

// rebuffer reads the response body and replaces it with an in-memory
// copy so callers can still read it.
func rebuffer(resp *http.Response) (string, error) {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()

	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(data))

	return string(data), nil
}

func needsReregistration(body string) bool {
	return strings.Contains(body, "not registered") || strings.Contains(body, "inactive")
}
