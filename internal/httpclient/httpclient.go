// Package httpclient wraps net/http with the timeout, retry, circuit
// breaker, and rate-limit behavior shared by every upstream adapter (SDN
// controller, policy engine, FL server).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/fl-testbed-observer/infrastructure/metrics"
	"github.com/r3e-network/fl-testbed-observer/infrastructure/resilience"
	"github.com/r3e-network/fl-testbed-observer/pkg/logger"
)

// Client performs JSON HTTP calls against one upstream base URL, retrying
// idempotent GETs with exponential backoff and tripping a circuit breaker
// on sustained failure.
type Client struct {
	base     string
	target   string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Target         string // metrics label identifying the upstream, e.g. "fl_server"
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
	Breaker        resilience.Config
	Retry          resilience.RetryConfig
	Log            *logger.Logger
	Metrics        *metrics.Metrics
}

// New creates a Client with sane defaults for any unset Options field.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	breakerCfg := opts.Breaker
	if breakerCfg.MaxFailures <= 0 {
		breakerCfg = resilience.DefaultConfig()
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpclient")
	}
	target := opts.Target
	if target == "" {
		target = "unknown"
	}

	return &Client{
		base:     opts.BaseURL,
		target:   target,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		breaker:  resilience.New(breakerCfg),
		retryCfg: opts.Retry,
		log:      log,
		metrics:  opts.Metrics,
	}
}

// recordCall reports duration and success/failure of one logical call
// (including any retries it took) to the upstream's metrics, if wired.
func (c *Client) recordCall(start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordUpstreamCall(c.target, time.Since(start), err)
}

// ErrUnreachable wraps any connection-level failure reaching the upstream.
type ErrUnreachable struct {
	URL string
	Err error
}

func (e *ErrUnreachable) Error() string {
	return fmt.Sprintf("upstream unreachable: %s: %v", e.URL, e.Err)
}

func (e *ErrUnreachable) Unwrap() error { return e.Err }

// ErrBadStatus is a non-2xx HTTP response.
type ErrBadStatus struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *ErrBadStatus) Error() string {
	return fmt.Sprintf("upstream bad status %d for %s", e.StatusCode, e.URL)
}

// GetJSON issues a retried, rate-limited, circuit-broken GET and decodes
// the JSON body into out. Idempotent: retried up to Retry.MaxAttempts times
// on 5xx/408 or connection errors.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	return c.doRetried(ctx, http.MethodGet, path, nil, out, true)
}

// PostJSON issues a single-attempt (non-idempotent) POST with a JSON body,
// decoding the response into out when non-nil.
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.doRetried(ctx, http.MethodPost, path, body, out, false)
}

// Delete issues a single-attempt DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doRetried(ctx, http.MethodDelete, path, nil, nil, false)
}

func (c *Client) doRetried(ctx context.Context, method, path string, body, out interface{}, retryable bool) (err error) {
	start := time.Now()
	defer func() { c.recordCall(start, err) }()

	attempt := func() error {
		return c.breaker.Execute(ctx, func() error {
			return c.doOnce(ctx, method, path, body, out)
		})
	}

	if !retryable {
		err = attempt()
		return err
	}

	cfg := c.retryCfg
	var lastErr error
	delay := cfg.InitialDelay
	for n := 0; n < cfg.MaxAttempts; n++ {
		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		var bad *ErrBadStatus
		if asErrBadStatus(err, &bad) && bad.StatusCode < 500 && bad.StatusCode != http.StatusRequestTimeout {
			return err // 4xx on an idempotent GET is not retried
		}

		if n < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return lastErr
}

func asErrBadStatus(err error, target **ErrBadStatus) bool {
	for err != nil {
		if bs, ok := err.(*ErrBadStatus); ok {
			*target = bs
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	url := c.base + path
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ErrUnreachable{URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ErrUnreachable{URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ErrBadStatus{URL: url, StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// RawGET fetches a path and returns the raw body, used by callers that need
// gjson-style traversal instead of a fixed struct. Shares doRetried's retry
// and circuit-breaker behavior via doOnceRaw.
func (c *Client) RawGET(ctx context.Context, path string) (data []byte, err error) {
	start := time.Now()
	defer func() { c.recordCall(start, err) }()

	attempt := func() error {
		return c.breaker.Execute(ctx, func() error {
			body, err := c.doOnceRaw(ctx, path)
			if err != nil {
				return err
			}
			data = body
			return nil
		})
	}

	cfg := c.retryCfg
	var lastErr error
	delay := cfg.InitialDelay
	for n := 0; n < cfg.MaxAttempts; n++ {
		err := attempt()
		if err == nil {
			return data, nil
		}
		lastErr = err

		var bad *ErrBadStatus
		if asErrBadStatus(err, &bad) && bad.StatusCode < 500 && bad.StatusCode != http.StatusRequestTimeout {
			return nil, err
		}

		if n < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}
	return nil, lastErr
}

func (c *Client) doOnceRaw(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := c.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ErrUnreachable{URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrUnreachable{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ErrBadStatus{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
