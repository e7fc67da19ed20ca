// Package rpcclient is the rate-limited HTTP transport shared by the REST and
// JSON-RPC chain adapters.
package rpcclient

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
	"golang.org/x/time/rate"

	"github.com/marko911/chainhub/internal/metrics"
)

// ErrProviderReturnedError indicates the remote JSON-RPC server returned an
// error object.
var ErrProviderReturnedError = errors.New("provider error")

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// Transient reports whether retrying the request could succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// ProviderError is a JSON-RPC error object.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: [%d] - %s", ErrProviderReturnedError, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error   { return ErrProviderReturnedError }
func (e *ProviderError) Transient() bool { return false }

// DecodeError is a response body that could not be parsed.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string   { return "decode response: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error   { return e.Err }
func (e *DecodeError) Transient() bool { return false }

// IsNotFound reports whether err is an HTTP 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type Config struct {
	BaseURL string
	// Chain labels metrics.
	Chain string
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	Headers           map[string]string
}

type Client struct {
	baseURL    string
	chain      string
	headers    map[string]string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		chain:      cfg.Chain,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// GetJSON issues GET baseURL+path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, op, path string, out any) error {
	body, err := c.do(ctx, op, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	return decode(body, out)
}

// PostJSON marshals in, posts it to baseURL+path and decodes into out.
func (c *Client) PostJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	body, err := c.do(ctx, op, http.MethodPost, path, "application/json", payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(body, out)
}

// PostRaw posts an already-encoded body and returns the raw response.
func (c *Client) PostRaw(ctx context.Context, op, path, contentType string, payload []byte) ([]byte, error) {
	return c.do(ctx, op, http.MethodPost, path, contentType, payload)
}

type rpcResponse struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Call performs a JSON-RPC 2.0 request against the base URL.
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	body, err := c.do(ctx, method, http.MethodPost, "", "application/json", payload)
	if err != nil {
		return err
	}

	var res rpcResponse
	if err := decode(body, &res); err != nil {
		return err
	}
	if res.Error != nil {
		return &ProviderError{Code: res.Error.Code, Message: res.Error.Message}
	}
	if out == nil {
		return nil
	}
	return decode(res.Result, out)
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, payload []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	body, err := c.roundTrip(req)
	metrics.RPCCallLatency.WithLabelValues(c.chain, op).Observe(time.Since(start).Seconds())
	metrics.RPCCallsTotal.WithLabelValues(c.chain, op, classify(err)).Inc()
	return body, err
}

func (c *Client) roundTrip(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(snippet)}
	}
	return body, nil
}

// wait consumes exactly one limiter token per call.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.RPCRateLimitWaits.WithLabelValues(c.chain).Inc()
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &DecodeError{Err: err}
	}
	return nil
}

func classify(err error) string {
	if err == nil {
		return "ok"
	}
	var se *StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusTooManyRequests:
		return "rate_limited"
	case errors.As(err, &se) && se.Code >= 500:
		return "server_error"
	case errors.As(err, &se):
		return "client_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "network_error"
	}
}
