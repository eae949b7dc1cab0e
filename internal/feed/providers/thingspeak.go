package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/httpcache"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// DefaultThingSpeakURL is the public ThingSpeak API endpoint.
const DefaultThingSpeakURL = "https://api.thingspeak.com"

// ThingSpeakSource implements the feed.PageSource interface for ThingSpeak channels.
type ThingSpeakSource struct {
	name    string
	baseURL string
	apiKey  string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cache   httpcache.Cache
}

var _ feed.PageSource = (*ThingSpeakSource)(nil)

// ThingSpeakOption customises a ThingSpeakSource.
type ThingSpeakOption func(*ThingSpeakSource)

// WithAPIKey sets the channel read key sent with every request.
func WithAPIKey(key string) ThingSpeakOption {
	return func(p *ThingSpeakSource) {
		p.apiKey = key
	}
}

// WithResponseCache serves repeated requests from c instead of the network.
func WithResponseCache(c httpcache.Cache) ThingSpeakOption {
	return func(p *ThingSpeakSource) {
		p.cache = c
	}
}

// WithRateLimit caps outbound requests per second. Zero or less disables it.
func WithRateLimit(perSecond float64) ThingSpeakOption {
	return func(p *ThingSpeakSource) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithBackoff overrides the retry policy.
func WithBackoff(b BackoffConfig) ThingSpeakOption {
	return func(p *ThingSpeakSource) {
		p.httpCfg.Backoff = b
	}
}

func NewThingSpeakSource(client *http.Client, baseURL string, opts ...ThingSpeakOption) *ThingSpeakSource {
	if baseURL == "" {
		baseURL = DefaultThingSpeakURL
	}

	p := &ThingSpeakSource{
		name:    "thingspeak",
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCfg: HTTPClientConfig{
			Client:  client,
			Backoff: DefaultBackoff,
		},
		circuit: newCircuitBreaker("thingspeak"),
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ThingSpeakSource) Name() string {
	return p.name
}

// feedURL builds the page request. Cursor values are already in the API's
// encoded-space form, so they are appended verbatim rather than re-escaped.
func (p *ThingSpeakSource) feedURL(id feed.SensorID, cur feed.Cursor, results int) string {
	return fmt.Sprintf("%s/channels/%s/feeds.json?results=%d&start=%s&end=%s",
		p.baseURL, url.PathEscape(id.String()), results, cur.Start, cur.End)
}

func (p *ThingSpeakSource) FetchPage(ctx context.Context, id feed.SensorID, cur feed.Cursor, results int) (feed.Page, error) {
	key := p.feedURL(id, cur, results)

	body, err := p.fetch(ctx, key)
	if err != nil {
		return feed.Page{}, err
	}

	page, err := decodePage(body)
	if err != nil {
		return feed.Page{}, err
	}
	return page, nil
}

func (p *ThingSpeakSource) fetch(ctx context.Context, key string) ([]byte, error) {
	if p.cache != nil {
		if body, ok := p.cache.Get(key); ok {
			metrics.ResponseCacheHits.Inc()
			return body, nil
		}
		metrics.ResponseCacheMisses.Inc()
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	buildRequest := func() (*http.Request, error) {
		u := key
		if p.apiKey != "" {
			u += "&api_key=" + url.QueryEscape(p.apiKey)
		}
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, p.name, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed response: %w", err)
	}

	// ThingSpeak answers "-1" for channels that do not exist or are private.
	if trimmed := bytes.TrimSpace(body); string(trimmed) == "-1" {
		return nil, &feed.RemoteFetchError{StatusCode: http.StatusNotFound, Body: "-1"}
	}

	if p.cache != nil {
		p.cache.Set(key, body)
	}
	return body, nil
}

func decodePage(body []byte) (feed.Page, error) {
	var payload struct {
		Channel map[string]any   `json:"channel"`
		Feeds   []map[string]any `json:"feeds"`
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return feed.Page{}, fmt.Errorf("decode feed page: %w", err)
	}

	page := feed.Page{
		Channel: make(map[string]string, len(payload.Channel)),
		Records: make([]feed.Record, 0, len(payload.Feeds)),
	}
	for k, v := range payload.Channel {
		page.Channel[k] = stringify(v)
	}
	for _, raw := range payload.Feeds {
		rec := make(feed.Record, len(raw))
		for k, v := range raw {
			rec[k] = stringify(v)
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// stringify normalises a decoded JSON value to the text kept in the cache.
func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer: // json.Number
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
