package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"noticewatch/internal/config"
	"noticewatch/internal/notice"
	logx "noticewatch/pkg/logx"
)

// PageFetcher is the fetch capability consumed by the ingestion worker.
// The HTTP client below covers JSON board feeds; HTML scraping lives behind
// the same interface in an external collaborator.
type PageFetcher interface {
	FetchPage(ctx context.Context, dept config.Department) ([]notice.RawItem, error)
}

// Error is a transport-level fetch failure (network, timeout, bad status).
// These are transient: the job is eligible for redelivery.
type Error struct {
	URL        string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PayloadError means the endpoint responded but the body was not a valid
// board feed. This is selector/feed drift, not a transient fault; the
// worker routes it to manual review instead of retrying.
type PayloadError struct {
	URL string
	Err error
}

func (e *PayloadError) Error() string { return fmt.Sprintf("fetch %s: bad payload: %v", e.URL, e.Err) }
func (e *PayloadError) Unwrap() error { return e.Err }

const (
	defaultTimeout      = 15 * time.Second
	defaultRatePerHost  = 2.0
	defaultMaxBodyBytes = 4 << 20
)

type Config struct {
	UserAgent    string
	Timeout      time.Duration
	RatePerHost  float64 // requests per second against one host
	Burst        int
	MaxBodyBytes int64
}

// Client fetches board feeds over HTTP with per-host politeness limiting,
// so many departments on the same CMS host don't hammer it in parallel.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerHost <= 0 {
		cfg.RatePerHost = defaultRatePerHost
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log,
		limiters: map[string]*rate.Limiter{},
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim := c.limiters[host]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(c.cfg.RatePerHost), c.cfg.Burst)
		c.limiters[host] = lim
	}
	return lim
}

func (c *Client) FetchPage(ctx context.Context, dept config.Department) ([]notice.RawItem, error) {
	u, err := url.Parse(dept.URL)
	if err != nil {
		return nil, &PayloadError{URL: dept.URL, Err: err}
	}
	if len(dept.Params) > 0 {
		q := u.Query()
		for k, v := range dept.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, &Error{URL: u.String(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &Error{URL: u.String(), Err: err}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{URL: u.String(), Status: resp.StatusCode, RetryAfter: retryAfterHint(resp)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{URL: u.String(), Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, &Error{URL: u.String(), Err: err}
	}

	items, err := decodeItems(body)
	if err != nil {
		return nil, &PayloadError{URL: u.String(), Err: err}
	}
	c.log.Debug("page fetched",
		logx.String("dept", dept.ID), logx.String("host", u.Host), logx.Int("items", len(items)))
	return items, nil
}

// decodeItems accepts either a bare JSON array of raw items or an object
// with an "items" field, which covers the CMS feed variants seen so far.
func decodeItems(body []byte) ([]notice.RawItem, error) {
	var items []notice.RawItem
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Items []notice.RawItem `json:"items"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Items == nil {
		return nil, fmt.Errorf("no items field")
	}
	return wrapped.Items, nil
}

func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
