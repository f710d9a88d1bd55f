package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/lox/portfoliosync/internal/httputil"
	"github.com/lox/portfoliosync/internal/metrics"
)

type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RequestsPerSecond float64
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
}

type Response struct {
	Status int
	Body   []byte
}

// PayloadFunc observes every successful response body.
type PayloadFunc func(ctx context.Context, path string, params url.Values, body []byte)

type Client struct {
	baseURL   *url.URL
	apiKey    string
	http      *http.Client
	attempts  int
	policy    Backoff
	newTimer  func() backoff.Timer
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[*Response]
	log       zerolog.Logger
	onPayload PayloadFunc
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(c *Client) { c.newTimer = newTimer }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithPayloadHook(fn PayloadFunc) Option {
	return func(c *Client) { c.onPayload = fn }
}

func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	c := &Client{
		baseURL:  base,
		apiKey:   cfg.APIKey,
		http:     httputil.NewClient(cfg.Timeout),
		attempts: attempts,
		policy:   Backoff{Base: baseDelay, Max: cfg.RetryMaxDelay},
		newTimer: newRealTimer,
		limiter:  rate.NewLimiter(limit, 1),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "portal").Logger()

	if cfg.BreakerFailures > 0 {
		c.breaker = c.newBreaker(cfg.BreakerFailures, cfg.BreakerTimeout)
	}
	return c, nil
}

func (c *Client) newBreaker(failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker[*Response] {
	if timeout <= 0 {
		timeout = time.Minute
	}
	metrics.CircuitBreakerState.Set(0)
	return gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "portal-api",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Requests the portal answered deliberately do not count against it.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var perr *Error
			if errors.As(err, &perr) {
				return !perr.Retryable()
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.Set(float64(to))
		},
	})
}

func (c *Client) Get(ctx context.Context, path string, params url.Values) (*Response, error) {
	return c.Request(ctx, http.MethodGet, path, params, nil)
}

// Request performs an authenticated request, retrying transient failures
// up to the configured number of attempts. Non-2xx responses are returned
// as *Error.
func (c *Client) Request(ctx context.Context, method, path string, params url.Values, headers http.Header) (*Response, error) {
	if c.breaker == nil {
		return c.retry(ctx, method, path, params, headers)
	}
	resp, err := c.breaker.Execute(func() (*Response, error) {
		return c.retry(ctx, method, path, params, headers)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &Error{Kind: KindUnavailable, Method: method, Path: path, Err: err}
	}
	return resp, err
}

func (c *Client) retry(ctx context.Context, method, path string, params url.Values, headers http.Header) (*Response, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(c.policy.BackOff(), uint64(c.attempts-1)), ctx)

	var (
		attempt int
		last    error
	)
	op := func() (*Response, error) {
		attempt++
		resp, err := c.attempt(ctx, method, path, params, headers)
		if err != nil {
			last = err
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				last = perm.Err
			}
		}
		return resp, err
	}
	notify := func(err error, wait time.Duration) {
		kind := "unknown"
		var perr *Error
		if errors.As(err, &perr) {
			kind = string(perr.Kind)
		}
		metrics.APIRetries.WithLabelValues(path, kind).Inc()
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Int("max_attempts", c.attempts).
			Dur("wait", wait).Msg("retrying request")
	}

	resp, err := backoff.RetryNotifyWithTimerAndData(op, bo, notify, c.newTimer())
	if err != nil {
		// A wait cut short by ctx reports the context error; keep the
		// request error, which wraps more detail.
		if last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = last
		}
		return nil, withAttempts(err, attempt)
	}
	if c.onPayload != nil {
		c.onPayload(ctx, path, params, resp.Body)
	}
	return resp, nil
}

func withAttempts(err error, attempts int) error {
	var perr *Error
	if errors.As(err, &perr) {
		perr.Attempts = attempts
	}
	return err
}

// attempt performs one HTTP round trip. Errors that must not be retried
// are wrapped with backoff.Permanent.
func (c *Client) attempt(ctx context.Context, method, path string, params url.Values, headers http.Header) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(&Error{Kind: KindTransport, Method: method, Path: path, Err: err})
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.APILatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(path, "error").Inc()
		return nil, c.transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(path, "error").Inc()
		return nil, c.transportError(ctx, method, path, fmt.Errorf("read body: %w", err))
	}
	metrics.APICallsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()

	perr := &Error{Status: resp.StatusCode, Method: method, Path: path, Body: truncateBody(body)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{Status: resp.StatusCode, Body: body}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		perr.Kind = KindAuth
		return nil, backoff.Permanent(perr)
	case resp.StatusCode == http.StatusTooManyRequests:
		perr.Kind = KindRateLimit
		return nil, perr
	case resp.StatusCode >= 500:
		perr.Kind = KindServer
		return nil, perr
	default:
		perr.Kind = KindClient
		return nil, backoff.Permanent(perr)
	}
}

func (c *Client) transportError(ctx context.Context, method, path string, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(&Error{Kind: KindTransport, Method: method, Path: path, Err: ctx.Err()})
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Method: method, Path: path, Err: err}
	}
	return &Error{Kind: KindTransport, Method: method, Path: path, Err: err}
}
