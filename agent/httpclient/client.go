package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/model"
)

const maxErrorBody = 512

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.StatusCode >= 500 {
		return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("client error %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether repeating the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// IsPermanent reports whether err is a rejection that will not go away by
// resending the same payload. Network errors and timeouts are transient.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

const DefaultUserAgent = "activity-agent"

// UserAgent builds the header value for an agent build.
func UserAgent(version string) string {
	if version == "" {
		return DefaultUserAgent
	}
	return DefaultUserAgent + "/" + version
}

// Client represents an HTTP client with retry logic and authentication
type Client struct {
	serverURL     string
	apiKey        string
	userAgent     string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
	log           *zap.Logger
}

// Config holds configuration for the HTTP client
type Config struct {
	ServerURL     string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	// UserAgent is sent with every request, DefaultUserAgent when empty.
	UserAgent string
	// Transport overrides the default round tripper, mostly for tests.
	Transport http.RoundTripper
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		serverURL:     strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:        cfg.APIKey,
		userAgent:     cfg.UserAgent,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
		log:           log,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
	}
}

// SubmitBatch posts the entries as one ordered JSON array. Only a 2xx
// response counts as acknowledgement.
func (c *Client) SubmitBatch(ctx context.Context, endpoint string, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.PostJSON(ctx, endpoint, entries)
}

// PostJSON sends a POST request with JSON body. Transient failures are
// retried in-call up to the configured attempts; 4xx responses other than
// 408/429 are returned immediately.
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	url := c.serverURL + endpoint
	operation := func() (struct{}, error) {
		return struct{}{}, c.post(ctx, url, jsonData)
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("Retrying request",
			zap.String("endpoint", endpoint),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.MaxInterval = 4 * c.retryDelay

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.retryAttempts+1)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	if !se.Temporary() {
		return backoff.Permanent(se)
	}
	return se
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

// TestConnection checks that the collector is reachable and healthy.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// IsTimeout reports whether err was caused by a network or deadline timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
