package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/httpcache"
)

const samplePage = `{
	"channel": {"id": 930428, "name": "AQ_01", "field1": "Sensor1 PM2.5", "field2": "Sensor1 PM10"},
	"feeds": [
		{"created_at": "2019-01-01T10:00:00Z", "entry_id": 1, "field1": "12.5", "field2": null},
		{"created_at": "2019-01-01T10:01:00Z", "entry_id": 2, "field1": "13.0", "field2": "20.1"}
	]
}`

var fastBackoff = BackoffConfig{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func newTestSource(t *testing.T, h http.HandlerFunc, opts ...ThingSpeakOption) *ThingSpeakSource {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	opts = append([]ThingSpeakOption{WithRateLimit(0), WithBackoff(fastBackoff)}, opts...)
	return NewThingSpeakSource(srv.Client(), srv.URL, opts...)
}

func TestFetchPageDecodesFeed(t *testing.T) {
	var gotQuery string
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		if r.URL.Path != "/channels/930428/feeds.json" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, samplePage)
	}, WithAPIKey("secret"))

	cur := feed.Cursor{Start: "2019-01-01%2010:00:00"}
	page, err := src.FetchPage(context.Background(), "930428", cur, feed.PageCap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(gotQuery, "start=2019-01-01%2010:00:00") {
		t.Errorf("cursor was re-escaped: %s", gotQuery)
	}
	if !strings.Contains(gotQuery, "results=8000") || !strings.Contains(gotQuery, "api_key=secret") {
		t.Errorf("unexpected query %s", gotQuery)
	}

	if page.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", page.Len())
	}
	if page.Channel["field1"] != "Sensor1 PM2.5" || page.Channel["id"] != "930428" {
		t.Errorf("unexpected channel %v", page.Channel)
	}
	rec := page.Records[0]
	if rec["entry_id"] != "1" || rec["field1"] != "12.5" || rec["field2"] != "" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestFetchPageRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, samplePage)
	})

	page, err := src.FetchPage(context.Background(), "1", feed.Cursor{}, feed.PageCap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", page.Len())
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestFetchPageClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such channel", http.StatusNotFound)
	})

	_, err := src.FetchPage(context.Background(), "1", feed.Cursor{}, feed.PageCap)
	var rfe *feed.RemoteFetchError
	if !errors.As(err, &rfe) {
		t.Fatalf("expected RemoteFetchError, got %v", err)
	}
	if rfe.StatusCode != http.StatusNotFound || !strings.Contains(rfe.Body, "no such channel") {
		t.Errorf("unexpected error %+v", rfe)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestClientErrorsDoNotOpenBreaker(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/channels/999/feeds.json" {
			http.Error(w, "no such channel", http.StatusNotFound)
			return
		}
		fmt.Fprint(w, samplePage)
	})

	for i := 0; i < 10; i++ {
		if _, err := src.FetchPage(context.Background(), "999", feed.Cursor{}, feed.PageCap); !errors.Is(err, feed.ErrRemoteFetch) {
			t.Fatalf("expected remote fetch error, got %v", err)
		}
	}

	page, err := src.FetchPage(context.Background(), "42", feed.Cursor{}, feed.PageCap)
	if err != nil {
		t.Fatalf("healthy channel failed after client errors: %v", err)
	}
	if page.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", page.Len())
	}
}

func TestOpenBreakerIsRemoteFetchError(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 3; i++ {
		_, err := src.FetchPage(context.Background(), "1", feed.Cursor{}, feed.PageCap)
		if !errors.Is(err, feed.ErrRemoteFetch) {
			t.Fatalf("call %d: expected remote fetch error, got %v", i, err)
		}
	}
	if !errors.Is(errCircuitOpen, feed.ErrRemoteFetch) {
		t.Fatal("breaker rejections must match ErrRemoteFetch")
	}
	// the breaker trips after six consecutive failures
	if n := calls.Load(); n != 6 {
		t.Fatalf("expected 6 requests before the breaker opened, got %d", n)
	}
}

func TestFetchPageRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := src.FetchPage(context.Background(), "1", feed.Cursor{}, feed.PageCap)
	if !errors.Is(err, feed.ErrRemoteFetch) {
		t.Fatalf("expected remote fetch error, got %v", err)
	}
	if n := calls.Load(); n != int32(fastBackoff.MaxRetries+1) {
		t.Fatalf("expected %d attempts, got %d", fastBackoff.MaxRetries+1, n)
	}
}

func TestFetchPageMinusOneIsNotFound(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "-1")
	})

	_, err := src.FetchPage(context.Background(), "1", feed.Cursor{}, feed.PageCap)
	var rfe *feed.RemoteFetchError
	if !errors.As(err, &rfe) || rfe.StatusCode != http.StatusNotFound {
		t.Fatalf("expected a 404 RemoteFetchError, got %v", err)
	}
}

func TestFetchPageUsesResponseCache(t *testing.T) {
	var calls atomic.Int32
	cache := httpcache.NewMemory(time.Minute, 0)
	defer cache.Close()

	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, samplePage)
	}, WithResponseCache(cache), WithAPIKey("secret"))

	cur := feed.Cursor{End: "2019-01-02%2000:00:00"}
	for i := 0; i < 3; i++ {
		page, err := src.FetchPage(context.Background(), "1", cur, feed.PageCap)
		if err != nil {
			t.Fatalf("fetch %d: unexpected error: %v", i, err)
		}
		if page.Len() != 2 {
			t.Fatalf("fetch %d: expected 2 records, got %d", i, page.Len())
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one network request, got %d", n)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected one cached response, got %d", cache.Len())
	}
}

func TestFetchPageWithPager(t *testing.T) {
	// Two pages of two records, then a short page of one.
	pages := []string{
		`{"channel":{},"feeds":[{"created_at":"2019-01-01T10:03:00Z"},{"created_at":"2019-01-01T10:04:00Z"}]}`,
		`{"channel":{},"feeds":[{"created_at":"2019-01-01T10:01:00Z"},{"created_at":"2019-01-01T10:02:00Z"}]}`,
		`{"channel":{},"feeds":[{"created_at":"2019-01-01T10:00:00Z"}]}`,
	}
	var (
		calls atomic.Int32
		ends  []string
	)
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		ends = append(ends, r.URL.Query().Get("end"))
		fmt.Fprint(w, pages[n-1])
	})

	got, err := feed.NewPager(src, feed.WithPageCap(2)).FetchPages(context.Background(), "1", feed.Cursor{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(got))
	}
	want := []string{"", "2019-01-01 10:02:59", "2019-01-01 10:00:59"}
	for i := range want {
		if ends[i] != want[i] {
			t.Errorf("request %d: expected end %q, got %q", i, want[i], ends[i])
		}
	}
}
