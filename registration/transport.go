package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jkoelker/newtab/identity"
)

// Path is the registration endpoint relative to the backend base URL.
const Path = "/api/auth/register"

const (
	requestTimeout  = 15 * time.Second
	maxErrorBodyLen = 512
)

// ErrRejected is returned when the backend answers with a non-2xx status.
var ErrRejected = errors.New("registration rejected")

// Request is the registration body.
type Request struct {
	Identity  identity.Identity `json:"identity"`
	Timestamp int64             `json:"timestamp"` // epoch seconds
}

// Response is the registration success body.
type Response struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ExtensionID string `json:"extensionId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// Transport delivers a registration request.
type Transport interface {
	Register(ctx context.Context, token string, req Request) (Response, error)
}

// HTTPTransport posts registrations to a backend.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPTransport returns a transport for baseURL using client, or a
// client with a request timeout when client is nil.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}

	return &HTTPTransport{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

// Register posts req with the registration headers.
func (t *HTTPTransport) Register(ctx context.Context, token string, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode registration: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+Path, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to create registration request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Extension-Token", token)
	httpReq.Header.Set("X-Extension-ID", req.Identity.ExtensionID)
	httpReq.Header.Set("X-Extension-Version", req.Identity.ExtensionVersion)

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))

		return Response{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("failed to decode registration response: %w", err)
	}

	return result, nil
}
