package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a high-level client for the node-graph rendering backend.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger
}

// StatusError is a non-2xx response from the renderer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("renderer returned %d: %s", e.Code, e.Body)
}

// IsTransient reports whether err is worth retrying: server-side failures
// and transport errors, but not 4xx rejections.
func IsTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	// Transport-level errors (connection refused, timeouts) have no status.
	return err != nil
}

// Option configures the Client during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	clientID   string
}

// New creates a Client for the given renderer instance.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("renderer: baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	cfg := &clientConfig{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clientID := cfg.clientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	return &Client{
		baseURL:    baseURL,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithTimeout sets a timeout on the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		cfg.timeout = d
		return nil
	}
}

// WithClientID pins the stream client identity (default: random UUID).
func WithClientID(id string) Option {
	return func(cfg *clientConfig) error {
		cfg.clientID = id
		return nil
	}
}

// ClientID returns the stream identity this client submits under.
func (c *Client) ClientID() string { return c.clientID }

// Submit sends a parameter graph for rendering and returns the correlation
// id. Submits are retried at most once: a second failure is recorded by the
// caller as a degraded outcome, never silently dropped.
func (c *Client) Submit(ctx context.Context, graph map[string]any) (string, error) {
	body, err := json.Marshal(submitRequest{Graph: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("marshal graph: %w", err)
	}

	var resp submitResponse
	err = c.doJSON(ctx, http.MethodPost, "/prompt", body, &resp)
	if err != nil && IsTransient(err) {
		c.logger.Warn("submit failed, retrying once", "error", err)
		err = c.doJSON(ctx, http.MethodPost, "/prompt", body, &resp)
	}
	if err != nil {
		return "", fmt.Errorf("submit graph: %w", err)
	}
	if resp.CorrelationID == "" {
		return "", fmt.Errorf("submit graph: renderer returned no correlation id")
	}
	return resp.CorrelationID, nil
}

// readAttempts and readBackoff bound idempotent read retries.
const (
	readAttempts = 3
	readBackoff  = 500 * time.Millisecond
)

// QueueStatus fetches the running/pending queue snapshot.
func (c *Client) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	var qs QueueStatus
	if err := c.getWithRetry(ctx, "/queue", &qs); err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	return &qs, nil
}

// History fetches the recorded outputs for a correlation id.
func (c *Client) History(ctx context.Context, correlationID string) (*History, error) {
	var h History
	if err := c.getWithRetry(ctx, "/history/"+correlationID, &h); err != nil {
		return nil, fmt.Errorf("history %s: %w", correlationID, err)
	}
	if h.CorrelationID == "" {
		h.CorrelationID = correlationID
	}
	return &h, nil
}

// getWithRetry performs an idempotent GET with bounded backoff.
func (c *Client) getWithRetry(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readBackoff * time.Duration(attempt)):
			}
		}
		lastErr = c.doJSON(ctx, http.MethodGet, path, nil, out)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		c.logger.Debug("read retry", "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
