package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
	DefaultUserAgent    = "harvest/dev"
)

type ClientConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Client issues paced, retried GET requests.
type Client struct {
	http    *http.Client
	limiter *RateLimiter
	retrier *Retrier
	cfg     ClientConfig
	logger  *slog.Logger
}

func NewClient(httpClient *http.Client, limiter *RateLimiter, retrier *Retrier, cfg ClientConfig, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	if retrier == nil {
		retrier = NewRetrier()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, limiter: limiter, retrier: retrier, cfg: cfg, logger: logger}
}

// Get fetches url and returns the response body. Every attempt, retries
// included, waits for the rate limiter first.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.GetWithTimeout(ctx, url, c.cfg.Timeout)
}

// GetWithTimeout is Get with a per-attempt timeout overriding the default.
func (c *Client) GetWithTimeout(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	return Retry(ctx, c.retrier, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Pace(ctx); err != nil {
			return nil, err
		}
		return c.fetch(ctx, url, timeout)
	})
}

func (c *Client) fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("HTTP response", "url", url, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			URL:        url,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxBodyBytes {
		return nil, &PermanentError{Err: fmt.Errorf("response body exceeds %d bytes", c.cfg.MaxBodyBytes)}
	}
	return data, nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
