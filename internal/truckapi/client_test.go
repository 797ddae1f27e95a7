package truckapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleBody = `{
  "Line": [
    {
      "LineID": "241001",
      "LineName": "板橋區晚線",
      "Area": "板橋區",
      "ArrivalRank": 2,
      "Diff": "3",
      "CarNO": "KEA-1234",
      "Location": "板橋區文化路一段",
      "LocationLat": 25.01827,
      "LocationLon": "121.4717",
      "BarCode": "12345",
      "Point": [
        {"SourcePointID": 101, "PointName": "P1", "PointRank": 1, "PointTime": "19:00", "Arrival": "19:02", "ArrivalDiff": 2, "Lat": 25.0181, "Lon": 121.4712},
        {"SourcePointID": 102, "PointName": "P2", "PointRank": "2", "PointTime": "19:10", "Arrival": "19:12", "ArrivalDiff": 2},
        {"SourcePointID": 103, "PointName": "P3", "PointRank": 3, "PointTime": "19:20", "Arrival": "", "ArrivalDiff": 65535},
        {"SourcePointID": 104, "PointName": "P4", "PointRank": 4, "PointTime": "19:30", "Arrival": null, "ArrivalDiff": 65535}
      ]
    }
  ],
  "TimeStamp": "2026-03-04 19:12:30"
}`

// upstream is a scripted fake of the GetAroundPoints endpoint.
type upstream struct {
	calls    atomic.Int32
	mu       sync.Mutex
	forms    []map[string]string
	statuses []int // status per call, last one repeats; 200 when empty
	body     string
	delay    time.Duration
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(u.calls.Add(1)) - 1
	if r.URL.Path != "/GetAroundPoints" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	u.mu.Lock()
	u.forms = append(u.forms, form)
	u.mu.Unlock()

	if u.delay > 0 {
		time.Sleep(u.delay)
	}

	code := http.StatusOK
	if len(u.statuses) > 0 {
		if n < len(u.statuses) {
			code = u.statuses[n]
		} else {
			code = u.statuses[len(u.statuses)-1]
		}
	}
	if code != http.StatusOK {
		http.Error(w, "upstream unavailable", code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(u.body))
}

type fakeMetrics struct {
	mu      sync.Mutex
	results []string
	hits    int
	misses  int
	retries int
}

func (m *fakeMetrics) FetchObserve(result string, _ time.Duration) {
	m.mu.Lock()
	m.results = append(m.results, result)
	m.mu.Unlock()
}

func (m *fakeMetrics) CacheLookup(hit bool) {
	m.mu.Lock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
	m.mu.Unlock()
}

func (m *fakeMetrics) RetryInc() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

// newTestClient returns a client against u whose retry sleeps are recorded
// instead of slept.
func newTestClient(t *testing.T, u *upstream, cache Cache, retries int) (*Client, *[]time.Duration, *fakeMetrics) {
	t.Helper()
	ts := httptest.NewServer(u)
	t.Cleanup(ts.Close)

	m := &fakeMetrics{}
	c := New(Options{
		BaseURL:    ts.URL + "/",
		RetryCount: retries,
		Cache:      cache,
		Metrics:    m,
		Logger:     zerolog.Nop(),
	})
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept, m
}

func TestFetchDecodesRoutes(t *testing.T) {
	u := &upstream{body: sampleBody}
	c, _, _ := newTestClient(t, u, nil, 3)

	routes, err := c.Fetch(context.Background(), Query{Lat: 25.01827, Lng: 121.47170})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(routes))
	}
	r := routes[0]
	if r.LineID != "241001" || r.LineName != "板橋區晚線" || r.CarNo != "KEA-1234" {
		t.Errorf("unexpected route identity: %+v", r)
	}
	if r.ArrivalRank != 2 || r.Diff != 3 {
		t.Errorf("unexpected rank/diff: %d/%d", r.ArrivalRank, r.Diff)
	}
	if r.Lat != 25.01827 || r.Lon != 121.4717 {
		t.Errorf("unexpected location: %v,%v", r.Lat, r.Lon)
	}
	if len(r.Points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(r.Points))
	}
	if p := r.Points[1]; p.Name != "P2" || p.Rank != 2 || !p.HasPassed() {
		t.Errorf("unexpected P2: %+v", p)
	}
	if p := r.Points[2]; p.HasPassed() {
		t.Errorf("P3 should not be passed: %+v", p)
	}
	if p := r.Points[3]; p.Arrival != "" || p.HasPassed() {
		t.Errorf("null arrival should decode as empty: %+v", p)
	}
}

func TestFetchSendsForm(t *testing.T) {
	u := &upstream{body: sampleBody}
	c, _, _ := newTestClient(t, u, nil, 1)

	if _, err := c.Fetch(context.Background(), Query{Lat: 25.01827, Lng: 121.4717, Time: 0}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := c.Fetch(context.Background(), Query{Lat: 25.01827, Lng: 121.4717, Time: 1, Week: 3}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.forms) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(u.forms))
	}
	first := u.forms[0]
	if first["lat"] != "25.01827" || first["lng"] != "121.4717" || first["time"] != "0" {
		t.Errorf("unexpected form: %v", first)
	}
	if _, ok := first["week"]; ok {
		t.Error("week should be omitted when unset")
	}
	if u.forms[1]["week"] != "3" || u.forms[1]["time"] != "1" {
		t.Errorf("unexpected form: %v", u.forms[1])
	}
}

func TestFetchMissingLineIsEmpty(t *testing.T) {
	u := &upstream{body: `{"TimeStamp": "2026-03-04 19:12:30"}`}
	c, _, _ := newTestClient(t, u, nil, 3)

	routes, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	if err != nil {
		t.Fatalf("missing Line should not be an error: %v", err)
	}
	if len(routes) != 0 {
		t.Errorf("expected no routes, got %d", len(routes))
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	u := &upstream{body: sampleBody, statuses: []int{503, 502, 200}}
	c, slept, m := newTestClient(t, u, nil, 3)

	routes, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(routes) != 1 {
		t.Errorf("expected 1 route, got %d", len(routes))
	}
	if got := u.calls.Load(); got != 3 {
		t.Errorf("expected 3 upstream calls, got %d", got)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 pauses, got %d", len(*slept))
	}
	for _, d := range *slept {
		if d != DefaultRetryDelay {
			t.Errorf("expected fixed %v delay, got %v", DefaultRetryDelay, d)
		}
	}
	if m.retries != 2 {
		t.Errorf("expected 2 retries recorded, got %d", m.retries)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	u := &upstream{statuses: []int{500}}
	c, slept, _ := newTestClient(t, u, nil, 3)

	_, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Attempts != 3 {
		t.Errorf("Attempts: got %d, want 3", apiErr.Attempts)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Errorf("expected last error to be HTTP 500, got %v", apiErr.Err)
	}
	if got := u.calls.Load(); got != 3 {
		t.Errorf("expected 3 upstream calls, got %d", got)
	}
	if len(*slept) != 2 {
		t.Errorf("no pause expected after the final attempt, got %d pauses", len(*slept))
	}
}

func TestFetchDoesNotRetryBadJSON(t *testing.T) {
	u := &upstream{body: `{"Line": [`}
	c, slept, _ := newTestClient(t, u, nil, 3)

	_, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode, got %v", err)
	}
	if apiErr.Attempts != 1 {
		t.Errorf("Attempts: got %d, want 1", apiErr.Attempts)
	}
	if got := u.calls.Load(); got != 1 {
		t.Errorf("parse failures must not be retried, got %d calls", got)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no pauses, got %d", len(*slept))
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	u := &upstream{statuses: []int{404}}
	c, _, _ := newTestClient(t, u, nil, 3)

	_, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Attempts != 1 {
		t.Fatalf("expected single-attempt *APIError, got %v", err)
	}
	if got := u.calls.Load(); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestFetchRetriesConnectionErrors(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	c := New(Options{BaseURL: addr, RetryCount: 2, Logger: zerolog.Nop()})
	var pauses int
	c.sleep = func(context.Context, time.Duration) error { pauses++; return nil }

	_, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Attempts != 2 {
		t.Errorf("Attempts: got %d, want 2", apiErr.Attempts)
	}
	if pauses != 1 {
		t.Errorf("expected 1 pause, got %d", pauses)
	}
}

func TestFetchReturnsWhenContextCancelled(t *testing.T) {
	u := &upstream{statuses: []int{503}}
	c, _, _ := newTestClient(t, u, nil, 2)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		<-release
		return context.DeadlineExceeded
	}

	_, err := c.Fetch(ctx, Query{Lat: 25.0, Lng: 121.0})
	close(release)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFetchCancelledCallerDoesNotFailFollowers(t *testing.T) {
	u := &upstream{body: sampleBody, delay: 300 * time.Millisecond}
	c, _, m := newTestClient(t, u, NewMemoryCache(time.Minute), 1)
	q := Query{Lat: 25.01827, Lng: 121.47170}
	misses := func() int {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.misses
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, q)
		leaderErr <- err
	}()
	waitFor(t, "leader request", func() bool { return u.calls.Load() == 1 })

	type result struct {
		routes int
		err    error
	}
	follower := make(chan result, 1)
	go func() {
		routes, err := c.Fetch(context.Background(), q)
		follower <- result{len(routes), err}
	}()
	waitFor(t, "follower to join", func() bool { return misses() == 2 })

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader: expected context.Canceled, got %v", err)
	}

	got := <-follower
	if got.err != nil {
		t.Fatalf("follower should get the shared result, got %v", got.err)
	}
	if got.routes != 1 {
		t.Errorf("follower routes: got %d, want 1", got.routes)
	}
	if n := u.calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream call, got %d", n)
	}
}

func TestFetchDoesNotRetryUnsupportedScheme(t *testing.T) {
	c := New(Options{BaseURL: "ftp://example.invalid", RetryCount: 3, Logger: zerolog.Nop()})
	var pauses int
	c.sleep = func(context.Context, time.Duration) error { pauses++; return nil }

	_, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Attempts != 1 || pauses != 0 {
		t.Errorf("misconfigured URL should fail at once: Attempts=%d pauses=%d", apiErr.Attempts, pauses)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &StatusError{Code: 503}, true},
		{"client error", &StatusError{Code: 404}, false},
		{"decode", fmt.Errorf("%w: bad json", ErrDecode), false},
		{"cancelled", &url.Error{Op: "Post", URL: "http://x", Err: context.Canceled}, false},
		{"refused", &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}, true},
		{"dropped", &url.Error{Op: "Post", URL: "http://x", Err: io.ErrUnexpectedEOF}, true},
		{"timeout", &url.Error{Op: "Post", URL: "http://x", Err: context.DeadlineExceeded}, true},
		{"unsupported scheme", &url.Error{Op: "Post", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFetchPerCallTimeout(t *testing.T) {
	u := &upstream{body: sampleBody, delay: 200 * time.Millisecond}
	ts := httptest.NewServer(u)
	t.Cleanup(ts.Close)

	c := New(Options{BaseURL: ts.URL, Timeout: 20 * time.Millisecond, RetryCount: 2, Logger: zerolog.Nop()})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Fetch(context.Background(), Query{Lat: 25.0, Lng: 121.0})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Attempts != 2 {
		t.Errorf("timeouts should be retried: Attempts=%d", apiErr.Attempts)
	}
}

func TestFetchServedFromCache(t *testing.T) {
	u := &upstream{body: sampleBody}
	cache := NewMemoryCache(time.Minute)
	c, _, m := newTestClient(t, u, cache, 3)

	q := Query{Lat: 25.01827, Lng: 121.47170}
	first, err := c.Fetch(context.Background(), q)
	if err != nil {
		t.Fatalf("first Fetch: %v", err)
	}
	second, err := c.Fetch(context.Background(), q)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got := u.calls.Load(); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
	if len(second) != len(first) || second[0].CarNo != first[0].CarNo {
		t.Errorf("cached result differs: %+v vs %+v", second, first)
	}
	if m.hits != 1 || m.misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d/%d", m.hits, m.misses)
	}
}

func TestFetchGroupsNearbyCoordinates(t *testing.T) {
	u := &upstream{body: sampleBody}
	c, _, _ := newTestClient(t, u, NewMemoryCache(time.Minute), 3)

	if _, err := c.Fetch(context.Background(), Query{Lat: 25.01827, Lng: 121.47170}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background(), Query{Lat: 25.01827, Lng: 121.47171}); err != nil {
		t.Fatal(err)
	}
	if got := u.calls.Load(); got != 1 {
		t.Errorf("coordinates within ~11m should share one fetch, got %d calls", got)
	}
}

func TestFetchCacheSharedBetweenClients(t *testing.T) {
	u := &upstream{body: sampleBody}
	cache := NewMemoryCache(time.Minute)
	a, _, _ := newTestClient(t, u, cache, 3)
	b, _, _ := newTestClient(t, u, cache, 3)

	q := Query{Lat: 25.01827, Lng: 121.47170}
	if _, err := a.Fetch(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Fetch(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if got := u.calls.Load(); got != 1 {
		t.Errorf("clients sharing a cache should share results, got %d calls", got)
	}
}

func TestFetchErrorsAreNotCached(t *testing.T) {
	u := &upstream{body: sampleBody, statuses: []int{500, 500, 200}}
	c, _, _ := newTestClient(t, u, NewMemoryCache(time.Minute), 2)

	q := Query{Lat: 25.0, Lng: 121.0}
	if _, err := c.Fetch(context.Background(), q); err == nil {
		t.Fatal("expected first fetch to fail")
	}
	if _, err := c.Fetch(context.Background(), q); err != nil {
		t.Fatalf("second fetch should reach upstream again: %v", err)
	}
	if got := u.calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestFetchConcurrentCallers(t *testing.T) {
	u := &upstream{body: sampleBody, delay: 50 * time.Millisecond}
	c, _, _ := newTestClient(t, u, NewMemoryCache(time.Minute), 3)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			routes, err := c.Fetch(context.Background(), Query{Lat: 25.01827, Lng: 121.47170})
			if err == nil && len(routes) != 1 {
				err = errors.New("unexpected route count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Fetch: %v", err)
		}
	}
	if got := u.calls.Load(); got != 1 {
		t.Errorf("concurrent identical queries should collapse into 1 call, got %d", got)
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(Options{Logger: zerolog.Nop()})
	if c.baseURL != DefaultBaseURL {
		t.Errorf("baseURL: got %q", c.baseURL)
	}
	if c.retryCount != DefaultRetryCount {
		t.Errorf("retryCount: got %d", c.retryCount)
	}
	if c.retryDelay != DefaultRetryDelay {
		t.Errorf("retryDelay: got %v", c.retryDelay)
	}
	if c.http.Timeout != DefaultTimeout {
		t.Errorf("timeout: got %v", c.http.Timeout)
	}
}
