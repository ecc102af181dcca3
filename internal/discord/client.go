package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	syncerrors "github.com/rcourtman/pulse-rolesync/internal/errors"
	"github.com/rcourtman/pulse-rolesync/internal/logging"
	"github.com/rcourtman/pulse-rolesync/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the versioned REST root of the platform API.
	DefaultBaseURL = "https://discord.com/api/v10"

	defaultMaxAttempts   = 3
	defaultBaseBackoff   = 500 * time.Millisecond
	defaultMaxBackoff    = 8 * time.Second
	defaultMaxRetryAfter = 60 * time.Second
	defaultRetryAfter    = time.Second
	backoffJitter        = 0.2
	responseBodyLimit    = 1024 * 1024 // 1 MiB
)

// Config holds configuration for creating a platform API Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to DefaultBaseURL.
	BaseURL string

	// BotToken authenticates guild-scoped calls (member lookup, join, roles).
	BotToken string

	// UserAgent is sent on every request.
	UserAgent string

	// HTTPClient performs the requests. Defaults to a client with a 15s timeout.
	HTTPClient *http.Client

	// Policies overrides DefaultRoutePolicies per route class.
	Policies map[RouteClass]RoutePolicy

	// MaxAttempts bounds attempts for 5xx and network failures. Defaults to 3.
	MaxAttempts int

	// MaxRetryAfter caps the sleep taken for a 429 retry hint. Defaults to 60s.
	MaxRetryAfter time.Duration
}

// Client is the rate-limited transport for the platform REST API. It owns
// the per-route token buckets and applies a uniform retry policy; it holds no
// other state. A single Client is shared by every caller in the process.
type Client struct {
	baseURL       string
	botToken      string
	userAgent     string
	httpClient    *http.Client
	buckets       *bucketSet
	maxAttempts   int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	maxRetryAfter time.Duration
	logger        zerolog.Logger

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// NewClient creates a platform client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return nil, fmt.Errorf("discord: invalid base URL %q", baseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	maxRetryAfter := cfg.MaxRetryAfter
	if maxRetryAfter <= 0 {
		maxRetryAfter = defaultMaxRetryAfter
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "DiscordBot (https://github.com/rcourtman/pulse-rolesync, dev)"
	}

	return &Client{
		baseURL:       baseURL,
		botToken:      strings.TrimSpace(cfg.BotToken),
		userAgent:     userAgent,
		httpClient:    httpClient,
		buckets:       newBucketSet(cfg.Policies),
		maxAttempts:   maxAttempts,
		baseBackoff:   defaultBaseBackoff,
		maxBackoff:    defaultMaxBackoff,
		maxRetryAfter: maxRetryAfter,
		logger:        logging.Component("discord"),
		now:           time.Now,
		sleep:         sleepContext,
		jitter:        rand.Float64,
	}, nil
}

// Request describes one logical API call. The client may send it more than
// once; Body is replayed on every attempt.
type Request struct {
	Route  RouteClass
	Major  string // major route parameter (guild ID) scoping the bucket
	Method string
	Path   string // relative to the base URL
	URL    string // absolute URL; overrides Path when set
	Query  url.Values
	Body   []byte
	Header http.Header

	// Authorization overrides the bot credential (e.g. "Bearer <token>").
	Authorization string
	// SkipBotAuth sends the request without the bot credential.
	SkipBotAuth bool
}

// Response is a fully read platform response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("discord: empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Invoke performs req under its route's rate limit and retry policy. Any
// non-2xx final response is returned as a *errors.TransportError.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, c.classify(req, resp)
}

// execute runs the retry loop and returns the final raw response. It returns
// an error only for cancellation, request construction failures, or
// exhausted network failures.
func (c *Client) execute(ctx context.Context, req Request) (*Response, error) {
	route := string(req.Route)
	b := c.buckets.get(req.Route, req.Major)

	failures := 0
	retriedRateLimit := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		waited, err := b.acquire(ctx, c.now, c.sleep)
		if waited > 0 {
			metrics.RateLimitWaitSeconds.WithLabelValues(route, "bucket").Observe(waited.Seconds())
		}
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			metrics.PlatformRequestsTotal.WithLabelValues(route, "error").Inc()
			failures++
			if failures >= c.maxAttempts {
				return nil, &syncerrors.TransportError{
					Kind:     syncerrors.TransportUnavailable,
					Method:   req.Method,
					Route:    route,
					Attempts: failures,
					Err:      err,
				}
			}
			if err := c.backoff(ctx, req, failures, "network", err); err != nil {
				return nil, err
			}
			continue
		}

		b.update(resp.Header, c.now())
		metrics.PlatformRequestsTotal.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if retriedRateLimit {
				return resp, nil
			}
			retriedRateLimit = true

			delay := c.retryAfter(resp)
			c.logger.Info().
				Str("route", route).
				Str("method", req.Method).
				Dur("retry_after", delay).
				Msg("Rate limited by platform, backing off")
			metrics.PlatformRetriesTotal.WithLabelValues(route, "rate_limited").Inc()
			metrics.RateLimitWaitSeconds.WithLabelValues(route, "retry_after").Observe(delay.Seconds())

			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		case resp.StatusCode >= 500:
			failures++
			if failures >= c.maxAttempts {
				return resp, nil
			}
			if err := c.backoff(ctx, req, failures, "server_error", fmt.Errorf("HTTP %d", resp.StatusCode)); err != nil {
				return nil, err
			}

		default:
			return resp, nil
		}
	}
}

func (c *Client) backoff(ctx context.Context, req Request, failures int, reason string, cause error) error {
	delay := c.backoffDelay(failures)
	c.logger.Warn().
		Err(cause).
		Str("route", string(req.Route)).
		Str("method", req.Method).
		Int("attempt", failures).
		Dur("backoff", delay).
		Msg("Platform request failed, retrying")
	metrics.PlatformRetriesTotal.WithLabelValues(string(req.Route), reason).Inc()

	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sleep(ctx, delay)
}

func (c *Client) backoffDelay(failures int) time.Duration {
	delay := c.baseBackoff * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > c.maxBackoff {
		delay = c.maxBackoff
	}
	jitter := time.Duration(float64(delay) * backoffJitter * (c.jitter()*2 - 1))
	return delay + jitter
}

// retryAfter reads the server's retry hint, preferring the Retry-After
// header and falling back to the JSON body. The result is capped.
func (c *Client) retryAfter(resp *Response) time.Duration {
	delay := time.Duration(0)
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		if seconds, err := strconv.ParseFloat(v, 64); err == nil && seconds > 0 {
			delay = time.Duration(seconds * float64(time.Second))
		}
	}
	if delay == 0 {
		var body struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if json.Unmarshal(resp.Body, &body) == nil && body.RetryAfter > 0 {
			delay = time.Duration(body.RetryAfter * float64(time.Second))
		}
	}
	if delay == 0 {
		delay = defaultRetryAfter
	}
	if delay > c.maxRetryAfter {
		delay = c.maxRetryAfter
	}
	return delay
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	target := req.URL
	if target == "" {
		target = c.baseURL + req.Path
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("discord: creating request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	switch {
	case req.Authorization != "":
		httpReq.Header.Set("Authorization", req.Authorization)
	case !req.SkipBotAuth && c.botToken != "":
		httpReq.Header.Set("Authorization", "Bot "+c.botToken)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("discord: %s %s: %w", req.Method, req.Route, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, responseBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("discord: reading response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// classify converts a final non-2xx response into a TransportError carrying
// the platform's error code and message.
func (c *Client) classify(req Request, resp *Response) *syncerrors.TransportError {
	transportErr := syncerrors.NewTransportError(req.Method, string(req.Route), resp.StatusCode)

	var wireError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body, &wireError) == nil {
		transportErr.Code = wireError.Code
		transportErr.Message = wireError.Message
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		transportErr.RetryAfter = c.retryAfter(resp)
	}
	return transportErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
