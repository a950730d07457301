// Package fly talks to the Fly.io Machines REST API and the GraphQL API.
package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flyrunner/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultTimeout bounds a single HTTP exchange. The wait endpoint holds
	// requests for up to WaitTimeoutSeconds, so this sits above it.
	DefaultTimeout = 75 * time.Second

	// WaitTimeoutSeconds is the server side timeout sent to the wait endpoint
	WaitTimeoutSeconds = 60
)

// APIError is returned for any non-2xx response
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Client is a Fly API client bound to one access token
type Client struct {
	http       *retryablehttp.Client
	token      string
	apiURL     string
	graphqlURL string
}

// Option configures a Client
type Option func(*Client)

// WithAPIURL overrides the Machines API base URL
func WithAPIURL(u string) Option {
	return func(c *Client) { c.apiURL = strings.TrimRight(u, "/") }
}

// WithGraphQLURL overrides the GraphQL endpoint
func WithGraphQLURL(u string) Option {
	return func(c *Client) { c.graphqlURL = u }
}

// WithRetryMax sets how often a rate limited request is retried
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// WithRetryWait sets the backoff bounds between rate limit retries
func WithRetryWait(min, max time.Duration) Option {
	return func(c *Client) {
		c.http.RetryWaitMin = min
		c.http.RetryWaitMax = max
	}
}

// New creates a client. Only 429 responses are retried at the transport level;
// everything else is surfaced to the caller, which owns the retry policy.
func New(token string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = DefaultTimeout
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.CheckRetry = retryRateLimited
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = logging.NewLeveled(logging.Logger())

	c := &Client{
		http:       rc,
		token:      token,
		apiURL:     "https://api.machines.dev",
		graphqlURL: "https://api.fly.io/graphql",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryRateLimited(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// do performs one JSON exchange. body and out may be nil; an out of type
// *[]byte receives the raw response body.
func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var req *retryablehttp.Request
	var err error
	if payload != nil {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	} else {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if raw, ok := out.(*[]byte); ok {
		*raw = data
		return nil
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response from %s: %w", url, err)
		}
	}
	return nil
}
