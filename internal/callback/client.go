// Package callback sends job payloads to external worker endpoints and
// classifies failures so the engine can decide between retry and final
// failure.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds a single worker invocation.
	DefaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a worker response is read. Polling
	// state rides in the body, so the cap is generous.
	maxResponseBytes = 64 * 1024

	// maxErrorBodyBytes caps the body carried on an HTTPError; it ends up
	// in log metadata.
	maxErrorBodyBytes = 1024
)

// Response is a successful (2xx) worker reply.
type Response struct {
	Status int
	Body   []byte
	JSON   map[string]any // nil when the body is not a JSON object
}

// HTTPError is a non-2xx worker reply.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("worker returned status %d", e.Status)
}

// TransportError is a connection, timeout, or DNS failure — the worker was
// never reached, or the reply never arrived.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("calling worker: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client posts JSON bodies to worker callback URLs.
type Client struct {
	httpClient *http.Client
}

// NewClient returns a Client with the given per-call timeout.
// A non-positive timeout falls back to DefaultTimeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call POSTs body as JSON to url. It returns a Response for 2xx replies,
// an *HTTPError for other statuses, and a *TransportError when the worker
// could not be reached.
func (c *Client) Call(ctx context.Context, url string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling callback body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := string(raw)
		if len(errBody) > maxErrorBodyBytes {
			errBody = errBody[:maxErrorBodyBytes]
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: errBody}
	}

	out := &Response{Status: resp.StatusCode, Body: raw}
	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		out.JSON = parsed
	}
	return out, nil
}

// IsTransient reports whether err is worth retrying. Transport failures
// are transient; HTTP replies are transient for 5xx, 408, and 429; any
// error without a response is treated as transient.
func IsTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == http.StatusRequestTimeout || httpErr.Status == http.StatusTooManyRequests
	}
	return true
}

// StatusCode returns the HTTP status carried by err, or 0 when the error
// has no response attached.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}
