// Package collab provides HTTP clients for the external collaborator services
// the workflow depends on: document parsing, field extraction, automated voice
// calls, and the community resource directory. Each client owns its own
// timeout, retry policy, and circuit breaker.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carewire/handoff/internal/config"
	"github.com/carewire/handoff/internal/observability"
	"github.com/carewire/handoff/model"
)

// maxResponseBytes bounds how much of a collaborator response is read.
const maxResponseBytes = 10 << 20

// Client is the shared HTTP plumbing for one collaborator service.
type Client struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	metrics *observability.Metrics
}

// NewClient builds a client for the named collaborator. metrics may be nil
// in tests.
func NewClient(name string, cfg config.CollaboratorConfig, metrics *observability.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	var onState func(BreakerState)
	if metrics != nil {
		onState = func(s BreakerState) {
			metrics.SetCollaboratorCircuitBreakerState(name, float64(s))
		}
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: NewCircuitBreaker(cfg.CircuitBreaker, onState),
		retry:   cfg.Retry,
		metrics: metrics,
	}
}

// Name returns the collaborator service name.
func (c *Client) Name() string {
	return c.name
}

// BreakerState exposes the circuit breaker state for diagnostics.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// postJSON sends body as JSON to path and decodes the JSON response into out.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("collab: marshal %s request: %w", c.name, err)
	}
	return c.do(ctx, http.MethodPost, path, nil, payload, out)
}

// getJSON issues a GET with query parameters and decodes the JSON response
// into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	ctx, span := observability.StartSpan(ctx, "collaborator.request",
		observability.AttrCollaborator.String(c.name))
	defer span.End()

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	respBody, err := c.executeWithRetry(ctx, method, reqURL, body)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("collab: decode %s response: %w", c.name, err)
	}
	return nil
}

// executeWithRetry wraps executeOnce with retry logic and exponential
// backoff. Non-idempotent requests are retried only when the retry policy
// allows it.
func (c *Client) executeWithRetry(ctx context.Context, method, reqURL string, body []byte) ([]byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !c.retry.IdempotentOnly

	var lastErr error
	var lastStatus int
	var lastBody []byte

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.RecordCollaboratorRetry(c.name)
			}
			delay := calculateBackoff(c.retry, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		status, respBody, err := c.executeOnce(ctx, method, reqURL, body)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return nil, err
			}
			continue
		}

		if isRetryableStatus(status) && canRetry && attempt < maxAttempts-1 {
			lastStatus, lastBody = status, respBody
			continue
		}

		return c.classifyResponse(status, respBody)
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return c.classifyResponse(lastStatus, lastBody)
}

// executeOnce performs a single HTTP request with circuit breaker protection
// and classifies transport-level failures into envelope errors.
func (c *Client) executeOnce(ctx context.Context, method, reqURL string, body []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("collab: build %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.record(0, time.Since(start))
		switch {
		case ctx.Err() != nil || isTimeoutError(err):
			return 0, nil, model.NewBackendTimeoutError()
		case isConnectionError(err):
			return 0, nil, model.NewBackendUnavailableError()
		default:
			return 0, nil, fmt.Errorf("collab: %s request failed: %w", c.name, err)
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.record(resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("collab: read %s response: %w", c.name, err)
	}

	// Record circuit breaker outcome. 4xx responses are not infrastructure
	// failures and count neither way.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else if resp.StatusCode < 400 {
		c.breaker.RecordSuccess()
	}

	return resp.StatusCode, respBody, nil
}

// classifyResponse turns the final HTTP status into the caller's result:
// 5xx after exhausted retries becomes BACKEND_UNAVAILABLE, 4xx a plain error.
func (c *Client) classifyResponse(status int, body []byte) ([]byte, error) {
	switch {
	case status >= 500:
		return nil, model.NewBackendUnavailableError()
	case status >= 400:
		return nil, fmt.Errorf("collab: %s returned %d: %s", c.name, status, firstLine(body))
	default:
		return body, nil
	}
}

func (c *Client) record(status int, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordCollaboratorRequest(c.name, status, duration)
	}
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	// Envelope errors (breaker open, timeout, unreachable) are final; the
	// breaker governs recovery.
	if _, ok := err.(*model.ErrorEnvelope); ok {
		return false
	}
	return true
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}

// sanitizeHeader strips newlines and carriage returns to prevent header
// injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func firstLine(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
