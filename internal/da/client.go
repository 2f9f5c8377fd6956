package da

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

	"github.com/google/uuid"
)

// Client submits batch payloads to the DA network. Submissions are
// at-least-once: the digest is an idempotency key the network uses to
// collapse repeats.
type Client interface {
	Submit(ctx context.Context, digest string, payload []byte) (handle string, err error)
}

// StatusError is a non-2xx reply from the DA endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("da endpoint returned %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// HTTPClient posts payloads to {Endpoint}/blobs.
type HTTPClient struct {
	Endpoint string
	HTTP     *http.Client
}

// NewHTTPClient creates a client for endpoint with a per-request timeout.
func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		HTTP:     &http.Client{Timeout: timeout},
	}
}

type submitResponse struct {
	Handle string `json:"handle"`
}

// Submit posts payload and returns the handle from the reply.
func (c *HTTPClient) Submit(ctx context.Context, digest string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/blobs", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", digest)
	req.Header.Set("X-Request-ID", requestID())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out submitResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode da reply: %w", err)
	}
	if out.Handle == "" {
		return "", fmt.Errorf("da reply without handle")
	}
	return out.Handle, nil
}

func requestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
