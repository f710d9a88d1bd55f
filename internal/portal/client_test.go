package portal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/portfoliosync/internal/portal"
)

// fakeTimer fires immediately and records every requested wait.
type fakeTimer struct {
	waits *[]time.Duration
	c     chan time.Time
}

func (f *fakeTimer) Start(d time.Duration) {
	*f.waits = append(*f.waits, d)
	f.c <- time.Now()
}

func (f *fakeTimer) Stop()               {}
func (f *fakeTimer) C() <-chan time.Time { return f.c }

func newTestClient(t *testing.T, srv *httptest.Server, cfg portal.Config) (*portal.Client, *[]time.Duration) {
	t.Helper()
	waits := &[]time.Duration{}
	cfg.BaseURL = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "secret"
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	c, err := portal.New(cfg, portal.WithTimer(func() backoff.Timer {
		return &fakeTimer{waits: waits, c: make(chan time.Time, 1)}
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, waits
}

func statusSequence(calls *int32, statuses ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(calls, 1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`[]`))
		} else {
			w.Write([]byte(`{"error":"nope"}`))
		}
	}
}

func TestRequestRetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
	}{
		{"server errors", []int{500, 502, 200}},
		{"rate limited", []int{429, 429, 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(statusSequence(&calls, tt.statuses...))
			defer srv.Close()

			c, waits := newTestClient(t, srv, portal.Config{RetryAttempts: 3})
			resp, err := c.Get(context.Background(), "/api/v1/companies", nil)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if resp.Status != http.StatusOK || string(resp.Body) != "[]" {
				t.Errorf("resp = %d %s", resp.Status, resp.Body)
			}
			if calls != 3 {
				t.Errorf("calls = %d, want 3", calls)
			}
			want := []time.Duration{time.Second, 2 * time.Second}
			if len(*waits) != len(want) || (*waits)[0] != want[0] || (*waits)[1] != want[1] {
				t.Errorf("waits = %v, want %v", *waits, want)
			}
		})
	}
}

func TestRequestExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(statusSequence(&calls, 503))
	defer srv.Close()

	c, _ := newTestClient(t, srv, portal.Config{RetryAttempts: 3})
	_, err := c.Get(context.Background(), "/api/v2/power_plants", nil)
	if !errors.Is(err, portal.ErrServer) {
		t.Fatalf("err = %v, want ErrServer", err)
	}

	var perr *portal.Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %T, want *portal.Error", err)
	}
	if perr.Attempts != 3 || perr.Status != 503 {
		t.Errorf("Attempts = %d Status = %d, want 3 and 503", perr.Attempts, perr.Status)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRequestDoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, portal.ErrAuth},
		{"forbidden", http.StatusForbidden, portal.ErrAuth},
		{"not found", http.StatusNotFound, portal.ErrClient},
		{"bad request", http.StatusBadRequest, portal.ErrClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(statusSequence(&calls, tt.status))
			defer srv.Close()

			c, waits := newTestClient(t, srv, portal.Config{RetryAttempts: 5})
			_, err := c.Get(context.Background(), "/api/v2/work_items", nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if len(*waits) != 0 {
				t.Errorf("waits = %v, want none", *waits)
			}
		})
	}
}

func TestRequestTimeoutIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv, portal.Config{RetryAttempts: 2, Timeout: 20 * time.Millisecond})
	_, err := c.Get(context.Background(), "/api/v2/production/days", nil)
	if !errors.Is(err, portal.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestRequestSendsAuthAndParams(t *testing.T) {
	var gotAuth, gotPath, gotCurrency string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotCurrency = r.URL.Query().Get("currency")
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	var hooked string
	c, err := portal.New(portal.Config{BaseURL: srv.URL + "/", APIKey: "k3y", RetryAttempts: 1},
		portal.WithPayloadHook(func(ctx context.Context, path string, params url.Values, body []byte) {
			hooked = path + " " + string(body)
		}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params := url.Values{"currency": {"NOK"}}
	if _, err := c.Get(context.Background(), "/api/v2/budgets", params); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if gotAuth != "Bearer k3y" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/v2/budgets" {
		t.Errorf("path = %q", gotPath)
	}
	if gotCurrency != "NOK" {
		t.Errorf("currency = %q", gotCurrency)
	}
	if hooked != `/api/v2/budgets {"data":[]}` {
		t.Errorf("payload hook saw %q", hooked)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(statusSequence(&calls, 500))
	defer srv.Close()

	c, _ := newTestClient(t, srv, portal.Config{RetryAttempts: 1, BreakerFailures: 2, BreakerTimeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Get(ctx, "/api/v1/market_prices", nil); !errors.Is(err, portal.ErrServer) {
			t.Fatalf("call %d: err = %v, want ErrServer", i+1, err)
		}
	}
	_, err := c.Get(ctx, "/api/v1/market_prices", nil)
	if !errors.Is(err, portal.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCircuitBreakerIgnoresAuthFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(statusSequence(&calls, 401))
	defer srv.Close()

	c, _ := newTestClient(t, srv, portal.Config{RetryAttempts: 1, BreakerFailures: 1, BreakerTimeout: time.Hour})
	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), "/api/v1/companies", nil); !errors.Is(err, portal.ErrAuth) {
			t.Fatalf("call %d: err = %v, want ErrAuth", i+1, err)
		}
	}
}

func TestRequestCancelled(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(statusSequence(&calls, 200))
	defer srv.Close()

	c, _ := newTestClient(t, srv, portal.Config{RetryAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "/api/v1/companies", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

// cancelTimer cancels the request context instead of firing.
type cancelTimer struct {
	cancel context.CancelFunc
	c      chan time.Time
}

func (f *cancelTimer) Start(time.Duration) { f.cancel() }
func (f *cancelTimer) Stop()               {}
func (f *cancelTimer) C() <-chan time.Time { return f.c }

func TestCancelDuringBackoffKeepsRequestError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(statusSequence(&calls, 502))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := portal.New(portal.Config{BaseURL: srv.URL, APIKey: "secret", RetryAttempts: 3},
		portal.WithTimer(func() backoff.Timer { return &cancelTimer{cancel: cancel, c: make(chan time.Time)} }))
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Get(ctx, "/api/v2/budgets", nil)
	var perr *portal.Error
	if !errors.As(err, &perr) || perr.Kind != portal.KindServer {
		t.Fatalf("err = %v, want server *portal.Error", err)
	}
	if perr.Attempts != 1 || calls != 1 {
		t.Errorf("Attempts = %d calls = %d, want 1 and 1", perr.Attempts, calls)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := portal.New(portal.Config{BaseURL: "portal.example.com"}); err == nil {
		t.Error("expected error for relative base url")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := portal.Backoff{Base: time.Second, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	bo := b.BackOff()
	first, second := bo.NextBackOff(), bo.NextBackOff()
	bo.Reset()
	if first != time.Second || second != 2*time.Second || bo.NextBackOff() != time.Second {
		t.Error("BackOff does not follow Delay")
	}
}
