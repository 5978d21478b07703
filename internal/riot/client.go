// Package riot is a client for the Riot Games account-v1 and match-v5 APIs.
//
// Every request passes through a shared Limiter. Rate-limit responses feed the
// limiter's retry-after floor and are retried; transient failures are retried
// with bounded backoff. Errors that reach the caller are *Error values.
package riot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"matchwatch/internal/retry"
	logx "matchwatch/pkg/logx"
)

// DefaultBaseURL is expanded per request; "{route}" becomes the regional route.
const DefaultBaseURL = "https://{route}.api.riotgames.com"

const (
	defaultRequestTimeout      = 10 * time.Second
	defaultMatchCount          = 20
	maxMatchCount              = 100
	defaultMaxRateLimitRetries = 3
	maxBodyBytes               = 4 << 20
)

// Limiter is the admission gate shared by all calls.
type Limiter interface {
	Acquire(ctx context.Context) error
	RetryAfter(d time.Duration)
}

type Config struct {
	APIKey string
	// BaseURL may contain "{route}". Tests point it at an httptest server.
	BaseURL        string
	RequestTimeout time.Duration
	// MatchCount is used when ListRecentMatchIDs is called with count <= 0.
	MatchCount int

	MaxAttempts         int
	RetryBase           time.Duration
	RetryMaxDelay       time.Duration
	MaxRateLimitRetries int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MatchCount <= 0 {
		c.MatchCount = defaultMatchCount
	}
	if c.MatchCount > maxMatchCount {
		c.MatchCount = maxMatchCount
	}
	if c.MaxRateLimitRetries <= 0 {
		c.MaxRateLimitRetries = defaultMaxRateLimitRetries
	}
	return c
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithLogger(log logx.Logger) Option     { return func(c *Client) { c.log = log } }

type Client struct {
	cfg    Config
	lim    Limiter
	http   *http.Client
	log    logx.Logger
	policy retry.Policy
	stats  *counters
}

func New(cfg Config, lim Limiter, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("riot: api key is required")
	}
	if lim == nil {
		return nil, errors.New("riot: limiter is required")
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:   cfg,
		lim:   lim,
		http:  &http.Client{},
		stats: &counters{since: time.Now()},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.policy = retry.Policy{
		MaxAttempts:   cfg.MaxAttempts,
		MaxRetryAfter: cfg.MaxRateLimitRetries,
		Base:          cfg.RetryBase,
		MaxDelay:      cfg.RetryMaxDelay,
		OnRetry: func(attempt int, o retry.Outcome, wait time.Duration) {
			c.log.Debug("riot retry",
				logx.Int("attempt", attempt),
				logx.String("outcome", o.Kind.String()),
				logx.Duration("wait", wait),
				logx.Err(o.Err),
			)
		},
	}
	return c, nil
}

func (c *Client) url(route, path string) string {
	return strings.ReplaceAll(c.cfg.BaseURL, "{route}", route) + path
}

// get performs a GET with admission, retry and classification, decoding a
// 2xx JSON body into out.
func (c *Client) get(ctx context.Context, op, route, path string, out any) error {
	endpoint := c.url(route, path)

	err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) retry.Outcome {
		if err := c.lim.Acquire(ctx); err != nil {
			return retry.Fail(err)
		}
		rerr := c.roundTrip(ctx, op, endpoint, out)
		if rerr == nil {
			return retry.Ok()
		}
		switch rerr.Kind {
		case KindRateLimited:
			c.stats.rateLimited.Add(1)
			c.lim.RetryAfter(rerr.RetryAfter)
			c.log.Warn("riot rate limited",
				logx.String("op", op),
				logx.Duration("retry_after", rerr.RetryAfter),
				logx.Int("attempt", attempt),
			)
			return retry.RetryAfter(rerr.RetryAfter, rerr)
		case KindTransient:
			return retry.Backoff(rerr)
		default:
			return retry.Fail(rerr)
		}
	})
	if err == nil {
		return nil
	}
	c.stats.failures.Add(1)

	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		var re *Error
		if errors.As(ex.Err, &re) && re.Kind == KindRateLimited {
			return &Error{Kind: KindTransient, Op: op, Status: re.Status, RetryAfter: re.RetryAfter, Msg: "rate limit retries exhausted", Err: err}
		}
		if re != nil {
			return re
		}
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return err
}

// roundTrip sends one request. The request itself is detached from ctx
// cancellation so shutdown never aborts a call mid-flight; RequestTimeout
// still bounds it.
func (c *Client) roundTrip(ctx context.Context, op, endpoint string, out any) *Error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &Error{Kind: KindFatal, Op: op, Err: err}
	}
	req.Header.Set("X-Riot-Token", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	c.stats.requests.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &Error{
			Kind:   kindForStatus(resp.StatusCode),
			Op:     op,
			Status: resp.StatusCode,
			Msg:    statusMessage(body),
		}
		if e.Kind == KindRateLimited {
			e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return e
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Msg: "decode response", Err: err}
		}
	}
	return nil
}

// parseRetryAfter reads the delay in seconds. A missing or malformed header
// falls back to one second.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}

// statusMessage extracts {"status":{"message":...}} from an error body.
func statusMessage(body []byte) string {
	var env struct {
		Status struct {
			Message string `json:"message"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Status.Message != "" {
		return env.Status.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (c *Client) route(op, platform string) (string, error) {
	r, err := RouteFor(platform)
	if err != nil {
		return "", &Error{Kind: KindFatal, Op: op, Err: err}
	}
	return r, nil
}

func wrapOp(op string, err error) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return fmt.Errorf("riot %s: %w", op, err)
}
