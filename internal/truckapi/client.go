// Package truckapi fetches garbage truck positions from the New Taipei City
// GetAroundPoints API, with bounded retry and a shared TTL cache.
package truckapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/sweeney/truck-notifier/internal/logic"
)

// Defaults for Options fields left zero.
const (
	DefaultBaseURL    = "https://crd-rubbish.epd.ntpc.gov.tw/WebAPI"
	DefaultTimeout    = 10 * time.Second
	DefaultRetryCount = 3
	DefaultRetryDelay = 2 * time.Second

	maxErrorBody = 256
)

// Query selects trucks around a coordinate.
type Query struct {
	Lat  float64
	Lng  float64
	Time int // time-of-day filter, 0 = none
	Week int // weekday filter, 0 = none
}

// Metrics receives client observations. Any method may be a no-op.
type Metrics interface {
	FetchObserve(result string, d time.Duration)
	CacheLookup(hit bool)
	RetryInc()
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration // per HTTP call
	RetryCount int           // total attempts
	RetryDelay time.Duration // fixed pause between attempts

	// Cache is shared by every client in the process. Nil disables caching.
	Cache Cache

	HTTPClient *http.Client
	Metrics    Metrics
	Logger     zerolog.Logger
}

// Client talks to the truck position API.
type Client struct {
	baseURL    string
	retryCount int
	retryDelay time.Duration
	cache      Cache
	http       *http.Client
	metrics    Metrics
	log        zerolog.Logger

	group       singleflight.Group
	flightLimit time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a Client, filling defaults for zero options.
func New(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		cache:      opts.Cache,
		http:       opts.HTTPClient,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		sleep:      sleepContext,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.retryCount <= 0 {
		c.retryCount = DefaultRetryCount
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	perCall := c.http.Timeout
	if perCall <= 0 {
		perCall = DefaultTimeout
	}
	c.flightLimit = time.Duration(c.retryCount)*perCall + time.Duration(c.retryCount-1)*c.retryDelay
	return c
}

// Fetch returns the routes of trucks around q. A response without a Line
// field is an empty result; an unreachable API is an *APIError.
func (c *Client) Fetch(ctx context.Context, q Query) ([]logic.Route, error) {
	key := CacheKey(q)

	if c.cache != nil {
		routes, ok := c.cache.Get(ctx, key)
		if c.metrics != nil {
			c.metrics.CacheLookup(ok)
		}
		if ok {
			c.log.Debug().Str("key", key).Int("routes", len(routes)).Msg("truck api cache hit")
			return routes, nil
		}
	}

	// The flight is shared, so it must not die with whichever caller started
	// it. Each caller stops waiting when its own ctx ends.
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightLimit)
		defer cancel()

		// A flight for this key may have finished between our lookup and DoChan.
		if c.cache != nil {
			if routes, ok := c.cache.Get(fctx, key); ok {
				return routes, nil
			}
		}
		routes, err := c.fetchWithRetry(fctx, q)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Set(fctx, key, routes)
		}
		return routes, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		routes := res.Val.([]logic.Route)
		if res.Shared {
			routes = cloneRoutes(routes)
		}
		return routes, nil
	}
}

func (c *Client) fetchWithRetry(ctx context.Context, q Query) ([]logic.Route, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryCount; attempt++ {
		start := time.Now()
		routes, err := c.fetchOnce(ctx, q)
		if err == nil {
			c.observe("ok", start)
			return routes, nil
		}
		lastErr = err

		if !isTransient(err) {
			c.observe("error", start)
			return nil, &APIError{Attempts: attempt, Err: err}
		}
		c.observe("transient", start)
		if attempt == c.retryCount {
			break
		}

		c.log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.retryCount).
			Dur("retry_in", c.retryDelay).
			Msg("truck api request failed, retrying")
		if c.metrics != nil {
			c.metrics.RetryInc()
		}
		if err := c.sleep(ctx, c.retryDelay); err != nil {
			return nil, &APIError{Attempts: attempt, Err: err}
		}
	}
	return nil, &APIError{Attempts: c.retryCount, Err: lastErr}
}

func (c *Client) fetchOnce(ctx context.Context, q Query) ([]logic.Route, error) {
	form := url.Values{}
	form.Set("lat", strconv.FormatFloat(q.Lat, 'f', -1, 64))
	form.Set("lng", strconv.FormatFloat(q.Lng, 'f', -1, 64))
	form.Set("time", strconv.Itoa(q.Time))
	if q.Week != 0 {
		form.Set("week", strconv.Itoa(q.Week))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/GetAroundPoints", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}

	routes, err := decodeRoutes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return routes, nil
}

func (c *Client) observe(result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.FetchObserve(result, time.Since(start))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
