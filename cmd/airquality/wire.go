package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/i474232898/air-quality-aggregation/internal/config"
	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/feed/providers"
	"github.com/i474232898/air-quality-aggregation/internal/geo"
	"github.com/i474232898/air-quality-aggregation/internal/httpcache"
	"github.com/i474232898/air-quality-aggregation/internal/interp"
	"github.com/i474232898/air-quality-aggregation/internal/pollution"
	"github.com/i474232898/air-quality-aggregation/internal/store"
)

// services is everything the commands run on, built from one config.
type services struct {
	cfg       *config.AppConfig
	tables    feed.TableStore
	feed      *feed.Service
	locations *store.LocationIndex // nil when disabled
	model     *interp.Holder
	geocoder  *geo.Resolver

	closers []io.Closer
}

func newServices(cfg *config.AppConfig) (*services, error) {
	svc := &services{cfg: cfg}

	var err error
	if svc.tables, err = openTableStore(cfg); err != nil {
		return nil, err
	}

	// Shared HTTP client for outbound feed calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	opts := []providers.ThingSpeakOption{
		providers.WithAPIKey(cfg.FeedAPIKey),
		providers.WithRateLimit(cfg.FeedRateLimit),
	}
	cache, err := svc.openResponseCache()
	if err != nil {
		svc.Close()
		return nil, err
	}
	if cache != nil {
		opts = append(opts, providers.WithResponseCache(cache))
	}
	source := providers.NewThingSpeakSource(httpClient, cfg.FeedBaseURL, opts...)

	var pagerOpts []feed.PagerOption
	if cfg.FeedMaxPages > 0 {
		pagerOpts = append(pagerOpts, feed.WithMaxPages(cfg.FeedMaxPages))
	}
	pager := feed.NewPager(source, pagerOpts...)

	serviceOpts := []feed.ServiceOption{feed.WithParallelism(cfg.SyncParallelism)}
	if cfg.LocationsDB != "" {
		if err := ensureDir(cfg.LocationsDB); err != nil {
			svc.Close()
			return nil, err
		}
		idx, err := store.OpenLocationIndex(cfg.LocationsDB)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.locations = idx
		svc.closers = append(svc.closers, idx)
		serviceOpts = append(serviceOpts, feed.WithObserver(idx))
	}
	svc.feed = feed.NewService(svc.tables, pager, serviceOpts...)

	observations := interp.NewCacheSource(svc.tables, cfg.Sites(), pollution.DefaultSchema)
	svc.model = interp.NewHolder(observations, cfg.Model)
	svc.geocoder = geo.NewResolver(cfg.GeocoderAPIKey)

	return svc, nil
}

func openTableStore(cfg *config.AppConfig) (feed.TableStore, error) {
	if cfg.CacheBackend == "memory" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewCSVStore(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("could not open feed cache: %w", err)
	}
	return s, nil
}

func (svc *services) openResponseCache() (httpcache.Cache, error) {
	cfg := svc.cfg
	switch cfg.ResponseCache {
	case "memory":
		c := httpcache.NewMemory(cfg.ResponseCacheTTL, cfg.ResponseCacheTTL)
		svc.closers = append(svc.closers, c)
		return c, nil
	case "bolt":
		if err := ensureDir(cfg.ResponseCachePath); err != nil {
			return nil, err
		}
		c, err := httpcache.OpenBolt(cfg.ResponseCachePath, cfg.ResponseCacheTTL)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, c)
		return c, nil
	}
	return nil, nil
}

// Close releases the databases and caches opened by newServices.
func (svc *services) Close() error {
	var errs []error
	for i := len(svc.closers) - 1; i >= 0; i-- {
		if err := svc.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	svc.closers = nil
	return errors.Join(errs...)
}

func ensureDir(fname string) error {
	dir := filepath.Dir(fname)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}
