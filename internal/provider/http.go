package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	provider string
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited (HTTP 429)", e.provider)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

// httpClient performs authenticated GET requests against one provider API.
type httpClient struct {
	name    string
	baseURL string
	headers map[string]string
	client  *http.Client
	backoff time.Duration
}

func newHTTPClient(name, baseURL string, headers map[string]string) *httpClient {
	return &httpClient{
		name:    name,
		baseURL: baseURL,
		headers: headers,
		client:  &http.Client{Timeout: defaultTimeout},
		backoff: initialBackoff,
	}
}

// getJSON fetches path with query params and decodes the body into out,
// retrying with exponential backoff while the provider answers 429.
func (c *httpClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	var lastErr error
	for attempt := range maxRetries {
		err := c.doGet(ctx, path, params, out)
		if err == nil {
			return nil
		}
		if !isRateLimit(err) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			wait := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *httpClient) doGet(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: executing request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{provider: c.name}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: unexpected status %d: %s", c.name, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", c.name, err)
	}
	return nil
}

func clampCount(n, def, limit int) int {
	if n <= 0 {
		return def
	}
	if n > limit {
		return limit
	}
	return n
}
