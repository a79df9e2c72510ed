// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api provides the HTTP client for the kernel conversation and
// credit APIs.
package api

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

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for
	// transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the bearer credential is not set.
	ErrNotConfigured = errors.New("api credential not configured")

	// ErrAuthFailed indicates the bearer credential was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")
)

// APIError represents a failed REST call, carrying the server message.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error (HTTP %d)", e.Status)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for the kernel REST API.
type Client struct {
	baseURL    string
	token      string
	userID     string
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

// NewClient creates a client for the API rooted at baseURL, authenticating
// with the given bearer credential.
func NewClient(baseURL, token, userID string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      strings.TrimSpace(token),
		userID:     userID,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default().With("component", "api"),
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithMaxRetries sets the maximum number of retry attempts.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger.With("component", "api")
	return c
}

// IsConfigured returns true if the client has a credential.
func (c *Client) IsConfigured() bool {
	return c.token != ""
}

// UserID returns the user identifier this client acts as.
func (c *Client) UserID() string {
	return c.userID
}

// =============================================================================
// ENVELOPE
// =============================================================================

// envelope is the response wrapper used by every kernel endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kernelchat/0.1")
}

// do performs a request with retry on transient failures and decodes the
// response envelope into out (which may be nil for calls without a payload).
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(Backoff(attempt)):
			}
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.logger.Warn("request failed", "method", method, "path", path, "error", err)
			continue
		}

		c.logger.Debug("api response",
			"method", method, "path", path,
			"status", resp.StatusCode, "duration", time.Since(start))

		respBody, err := readResponse(resp)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return decodeEnvelope(respBody, out)
		}

		apiErr := errorFromResponse(resp.StatusCode, respBody)
		if isRetryable(resp.StatusCode) {
			lastErr = apiErr
			continue
		}
		return apiErr
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// readResponse reads the response body with a size limit. The extra byte
// distinguishes a body of exactly the limit from an oversized one.
func readResponse(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// decodeEnvelope unpacks the {success, data, message} wrapper.
func decodeEnvelope(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !env.Success {
		return &APIError{Status: http.StatusOK, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

// errorFromResponse converts HTTP error responses to appropriate Go errors.
func errorFromResponse(statusCode int, body []byte) error {
	message := ""
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		message = env.Message
	} else if len(body) > 0 {
		// FastAPI-style {"detail": "..."} fallback.
		var detail struct {
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(body, &detail); err == nil {
			message = detail.Detail
		}
	}

	apiErr := &APIError{Status: statusCode, Message: message}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuthFailed, apiErr.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	default:
		return apiErr
	}
}

// isRetryable reports whether a status code should trigger a retry.
func isRetryable(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// Backoff returns the delay before the given retry attempt. Pure function so
// retry pacing is testable without real timers.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
