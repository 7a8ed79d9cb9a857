package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError represents an error response from the upstream API.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
	RetryAfter time.Duration // Parsed Retry-After hint, zero when absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the error warrants an immediate retry.
// A 429 is deliberately excluded: it feeds per-key backoff instead.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// RateLimited reports whether the upstream rejected the call with 429.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Response is a forwarded upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client provides access to the market-data/swap-quote API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new upstream API client. An empty apiKey degrades
// to the unauthenticated/public access path.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Authenticated reports whether the client carries an API key. Routes
// that require auth are unavailable without one.
func (c *Client) Authenticated() bool {
	return c.apiKey != ""
}

// Get performs a GET request with retries for transient failures.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.doWithRetry(ctx, http.MethodGet, path, query, nil)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body []byte) (*Response, error) {
	return c.doWithRetry(ctx, http.MethodPost, path, query, body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if delay, ok := retryAfterDelay(resp.Header.Get("Retry-After")); ok {
				apiErr.RetryAfter = delay
			}
		}
		return nil, apiErr
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// doWithRetry retries transient failures with jittered exponential
// backoff. Rate-limit and client-error responses surface immediately.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.logger.Debug("retrying upstream request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		resp, err := c.doRequest(ctx, method, path, query, body)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		apiErr, ok := err.(*APIError)
		if ok && !apiErr.IsRetryable() {
			return nil, err
		}
		if !ok && ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryAfterDelay parses a Retry-After header in either seconds or
// HTTP-date form.
func retryAfterDelay(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}

	if when, err := http.ParseTime(value); err == nil {
		return max(time.Until(when), 0), true
	}

	return 0, false
}
