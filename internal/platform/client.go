package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vk/forecastgrid/internal/ctxlog"
)

// Client talks to the managed ML platform's REST API. All state lives on the
// platform side; the client only carries connectivity and credentials.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	// PollInterval is how often waiting calls re-check remote state.
	PollInterval time.Duration
	// RetryBackoff is the initial delay before retrying a transient failure;
	// it doubles per attempt.
	RetryBackoff time.Duration
	// maxAttempts bounds the retry loop for transient failures.
	maxAttempts int
}

// New creates a platform client. timeout applies per request, not to the
// polling loops, which are governed by their context.
func New(endpoint, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      endpoint,
		token:        token,
		http:         &http.Client{Timeout: timeout},
		PollInterval: 10 * time.Second,
		RetryBackoff: time.Second,
		maxAttempts:  3,
	}
}

// do issues one API call, retrying transient failures (429 and 5xx) with a
// doubling backoff. A non-nil out is filled from the response body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	logger := ctxlog.FromContext(ctx)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	backoff := c.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			logger.Debug("Retrying API call.", "method", method, "path", path, "attempt", attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		retryable, err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) (retryable bool, err error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures are worth a retry unless the context is gone.
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := decodeAPIError(resp)
		return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return false, nil
}

// download streams a GET response straight to w, without JSON decoding.
func (c *Client) download(ctx context.Context, path string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read download stream: %w", err)
	}
	return nil
}
