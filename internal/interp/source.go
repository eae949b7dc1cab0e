package interp

import (
	"context"
	"errors"
	"strconv"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/geo"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/pollution"
)

// Sensor kinds.
const (
	KindMobile = "mobile"
	KindStatic = "static"
)

// ObservationSource yields the observations a model is fitted on.
type ObservationSource interface {
	Observations(ctx context.Context) ([]Observation, error)
}

// Site is a sensor the cache source reads. Latitude and Longitude are the
// fallback position of a sensor whose feed carries none.
type Site struct {
	ID        feed.SensorID
	Kind      string
	Latitude  float64
	Longitude float64
}

// CacheSource builds observations from the cached feed tables.
type CacheSource struct {
	store  feed.TableStore
	sites  []Site
	schema pollution.Schema
}

var _ ObservationSource = (*CacheSource)(nil)

func NewCacheSource(store feed.TableStore, sites []Site, schema pollution.Schema) *CacheSource {
	return &CacheSource{store: store, sites: sites, schema: schema}
}

// Observations returns one observation per site that has a cached PM2.5
// reading and a usable position. Sites that cannot be read are skipped.
func (s *CacheSource) Observations(ctx context.Context) ([]Observation, error) {
	var out []Observation
	for _, site := range s.sites {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log := logging.With().Str("sensor", site.ID.String()).Logger()

		t, err := s.store.Load(site.ID)
		if errors.Is(err, feed.ErrCacheMissing) {
			log.Debug().Msg("no cached feed; skipping sensor")
			continue
		}
		if err != nil {
			return nil, err
		}

		records, err := pollution.Reshape(t, site.ID, s.schema)
		if err != nil {
			log.Warn().Err(err).Msg("could not reshape cached feed")
			continue
		}
		value, createdAt, ok := pollution.LatestPM25(records)
		if !ok {
			continue
		}

		lat, lon, ok := lastPosition(t)
		if !ok {
			lat, lon = site.Latitude, site.Longitude
		}
		if !validPosition(lat, lon) {
			log.Debug().Msg("no usable position; skipping sensor")
			continue
		}

		x, y := geo.Merc(lon, lat)
		out = append(out, Observation{
			SensorID:  site.ID,
			Kind:      site.Kind,
			Latitude:  lat,
			Longitude: lon,
			X:         x,
			Y:         y,
			Value:     value,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}

// lastPosition returns the newest valid latitude/longitude in t.
func lastPosition(t *feed.Table) (lat, lon float64, ok bool) {
	latIdx := feed.IndexFold(t.Columns, "latitude", "lat")
	lonIdx := feed.IndexFold(t.Columns, "longitude", "lon")
	if latIdx < 0 || lonIdx < 0 {
		return 0, 0, false
	}
	for i := len(t.Rows) - 1; i >= 0; i-- {
		vs := t.Rows[i].Values
		if latIdx >= len(vs) || lonIdx >= len(vs) {
			continue
		}
		la, err1 := strconv.ParseFloat(vs[latIdx], 64)
		lo, err2 := strconv.ParseFloat(vs[lonIdx], 64)
		if err1 == nil && err2 == nil && validPosition(la, lo) {
			return la, lo, true
		}
	}
	return 0, 0, false
}

// validPosition rejects the 0 and 1000 longitudes trackers report without a fix.
func validPosition(lat, lon float64) bool {
	return lon != 0 && lon != 1000 && lat >= -90 && lat <= 90
}
