// Package fetch performs outbound HTTP on behalf of extensions: per-extension
// rate limits and host allow-lists, retries, and an on-disk response cache.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/wolfeidau/catalog-harvester/telemetry"
)

// Config controls the HTTP client.
type Config struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	MaxBodySize  int64
	UserAgent    string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		RetryMax:     2,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		MaxBodySize:  256 << 20,
		UserAgent:    "catalog-harvester/1.0",
	}
}

// Response is a text response delivered to extension code.
type Response struct {
	URL         string
	Status      int
	ContentType string
	Body        string
	FromCache   bool
}

type extPolicy struct {
	Policy
	limiter *rate.Limiter
}

// Client is safe for concurrent use.
type Client struct {
	http   *retryablehttp.Client
	cache  *Cache
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	policies map[string]*extPolicy
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCache enables the response cache for Fetch.
func WithCache(cache *Cache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// New creates a client. The transport is instrumented with host fetch
// metrics labelled by extension.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		logger:   slog.Default(),
		policies: make(map[string]*extPolicy),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "fetch")

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			c.logger.Debug("retrying host fetch", "url", req.URL.String(), "attempt", attempt,
				"extension", telemetry.ExtensionFromContext(req.Context()))
		}
	}
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.HTTPClient.Transport = telemetry.NewInstrumentedTransport(rc.HTTPClient.Transport)
	c.http = rc
	return c
}

// SetPolicy installs the network policy for an extension, replacing any
// previous one.
func (c *Client) SetPolicy(extension string, p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies[extension] = &extPolicy{Policy: p, limiter: p.limiter()}
	return nil
}

// RemovePolicy drops the policy of an unloaded extension.
func (c *Client) RemovePolicy(extension string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.policies, extension)
}

func (c *Client) policy(extension string) *extPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.policies[extension]
	if !ok {
		p = &extPolicy{limiter: Policy{}.limiter()}
		c.policies[extension] = p
	}
	return p
}

// Fetch retrieves url as UTF-8 text. Successful responses are served from
// the cache when present. Non-2xx statuses below 500 are returned as
// responses; server errors and transport failures are NetworkErrors.
func (c *Client) Fetch(ctx context.Context, extension, url string) (*Response, error) {
	ctx = telemetry.WithExtension(ctx, extension)
	p := c.policy(extension)
	if _, err := p.checkURL(url); err != nil {
		return nil, transportError(url, err)
	}

	if cached, err := c.cache.Get(ctx, url); err != nil {
		c.logger.Warn("reading fetch cache", "url", url, "error", err)
	} else if cached != nil {
		telemetry.RecordFetchCache(ctx, telemetry.CacheHit)
		return cached, nil
	}
	if c.cache != nil {
		telemetry.RecordFetchCache(ctx, telemetry.CacheMiss)
	}

	resp, err := c.do(ctx, p, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	contentType := resp.Header.Get("Content-Type")
	r, err := charset.NewReader(resp.Body, contentType)
	if err != nil {
		r = resp.Body
	}
	body, err := c.readBody(r, url)
	if err != nil {
		return nil, err
	}

	out := &Response{URL: url, Status: resp.StatusCode, ContentType: contentType, Body: string(body)}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := c.cache.Put(ctx, out); err != nil {
			c.logger.Warn("writing fetch cache", "url", url, "error", err)
		}
	}
	return out, nil
}

// FetchBytes retrieves url as raw bytes, bypassing the cache. Any non-2xx
// status is a NetworkError.
func (c *Client) FetchBytes(ctx context.Context, extension, url string) ([]byte, string, error) {
	ctx = telemetry.WithExtension(ctx, extension)
	p := c.policy(extension)
	if _, err := p.checkURL(url); err != nil {
		return nil, "", transportError(url, err)
	}

	resp, err := c.do(ctx, p, url)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", statusError(url, resp.StatusCode)
	}
	body, err := c.readBody(resp.Body, url)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, p *extPolicy, url string) (*http.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, &NetworkError{URL: url, Err: ctx.Err()}
		}
		return nil, transportError(url, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		_ = resp.Body.Close()
		return nil, statusError(url, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) readBody(r io.Reader, url string) ([]byte, error) {
	limit := c.cfg.MaxBodySize
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, transportError(url, fmt.Errorf("reading body: %w", err))
	}
	if int64(len(body)) > limit {
		return nil, transportError(url, ErrBodyTooLarge)
	}
	return body, nil
}
