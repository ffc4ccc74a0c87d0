// Package oracle talks to the advisory language-model service. The oracle
// is never authoritative: callers must treat an unreachable oracle as
// "no advice" and fall back to local heuristics.
package oracle

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
)

// ErrUnavailable signals that the oracle could not be reached or answered
// with garbage. Callers degrade to local behavior; they never fail on it.
var ErrUnavailable = errors.New("oracle unavailable")

// Client queries the language-model oracle over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an oracle client. An empty baseURL returns a disabled client
// whose Query always reports ErrUnavailable.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hc := &http.Client{}
	if timeout > 0 {
		hc.Timeout = timeout
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: hc,
		logger:     logger,
	}
}

type queryRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

type queryResponse struct {
	Response string `json:"response"`
}

// Query sends text plus context and returns the oracle's response. Any
// transport or decode failure maps to ErrUnavailable.
func (c *Client) Query(ctx context.Context, text, queryContext string) (string, error) {
	if c.baseURL == "" {
		return "", ErrUnavailable
	}
	body, err := json.Marshal(queryRequest{Text: text, Context: queryContext})
	if err != nil {
		return "", fmt.Errorf("marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("oracle unreachable", "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("oracle rejected query", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if strings.TrimSpace(out.Response) == "" {
		return "", ErrUnavailable
	}
	return out.Response, nil
}

// Notify pushes advisory text fire-and-forget: failures are logged, never
// returned. Used to forward gate reports as a learning signal.
func (c *Client) Notify(ctx context.Context, text, queryContext string) {
	if _, err := c.Query(ctx, text, queryContext); err != nil && !errors.Is(err, ErrUnavailable) {
		c.logger.Warn("oracle notify failed", "error", err)
	}
}
