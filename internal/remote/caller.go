// Package remote performs outbound HTTP calls with a per-attempt deadline
// and bounded linear-backoff retry on transport failures.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrRetriesExhausted is wrapped by TransportError when every attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// DefaultMaxJitter bounds the random component added to each backoff.
const DefaultMaxJitter = 250 * time.Millisecond

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one outbound call. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a completed HTTP round-trip, whatever its status code.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// TransportError is returned when no attempt produced an HTTP response.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed after %d attempts (%v): %v", e.Attempts, ErrRetriesExhausted, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// Config holds the caller knobs.
type Config struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int           // total attempts, including the first
	BaseBackoff time.Duration
	MaxJitter   time.Duration
}

// Caller is the resilient remote caller.
type Caller struct {
	client Doer
	cfg    Config
	logger *zap.Logger
	jitter func(max time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customises a Caller.
type Option func(*Caller)

// WithJitter replaces the random jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(c *Caller) { c.jitter = fn }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Caller) { c.sleep = fn }
}

// New creates a Caller. Zero values in cfg fall back to package defaults.
func New(client Doer, cfg Config, logger *zap.Logger, opts ...Option) *Caller {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff < 0 {
		cfg.BaseBackoff = 0
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = DefaultMaxJitter
	}
	c := &Caller{
		client: client,
		cfg:    cfg,
		logger: logger.Named("RemoteCaller"),
		jitter: randomJitter,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Caller) Config() Config {
	return c.cfg
}

// Do performs req. A non-2xx response is returned as-is, never retried.
// Transport failures (including a missed deadline) are retried with a wait of
// BaseBackoff*attempt plus jitter until MaxAttempts is reached.
func (c *Caller) Do(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err == nil {
			remoteAttemptsTotal.WithLabelValues(outcomeLabel(resp)).Inc()
			return resp, nil
		}
		lastErr = err
		remoteAttemptsTotal.WithLabelValues("transport_error").Inc()

		// The caller gave up; the per-attempt deadline is the only thing we retry on.
		if ctx.Err() != nil {
			return nil, &TransportError{Attempts: attempt, Err: ctx.Err()}
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		wait := c.cfg.BaseBackoff*time.Duration(attempt) + c.jitter(c.cfg.MaxJitter)
		c.logger.Warn("Remote call failed, retrying",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, &TransportError{Attempts: attempt, Err: err}
		}
	}

	c.logger.Error("Remote call failed, attempts exhausted",
		zap.String("url", req.URL),
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, &TransportError{Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func (c *Caller) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	// The body is read under the same deadline as the request.
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

func outcomeLabel(resp *Response) string {
	if resp.OK() {
		return "ok"
	}
	return "http_error"
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
