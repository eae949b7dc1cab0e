package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/interp"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

// Sensor is one configured feed channel.
type Sensor struct {
	ID        feed.SensorID `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name,omitempty"`
	Kind      string        `yaml:"kind" json:"kind"`
	Latitude  float64       `yaml:"lat" json:"latitude,omitempty"`
	Longitude float64       `yaml:"lon" json:"longitude,omitempty"`
}

type AppConfig struct {
	FeedBaseURL   string
	FeedAPIKey    string
	FeedMaxPages  int
	FeedRateLimit float64 // requests per second, 0 = unlimited

	HTTPTimeout time.Duration

	CacheDir     string
	CacheBackend string // csv or memory

	ResponseCache     string // none, memory or bolt
	ResponseCacheTTL  time.Duration
	ResponseCachePath string

	// LocationsDB is the sqlite location index; empty disables it.
	LocationsDB string

	Sensors []Sensor

	SyncInterval    time.Duration
	ModelInterval   time.Duration
	SyncParallelism int

	Model interp.Params

	GeocoderAPIKey string

	LogLevel  string
	LogFormat string

	Port string
}

// SensorIDs returns the ids of the configured sensors.
func (c *AppConfig) SensorIDs() []feed.SensorID {
	ids := make([]feed.SensorID, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		ids = append(ids, s.ID)
	}
	return ids
}

// Sensor looks up a configured sensor by id.
func (c *AppConfig) Sensor(id feed.SensorID) (Sensor, bool) {
	for _, s := range c.Sensors {
		if s.ID == id {
			return s, true
		}
	}
	return Sensor{}, false
}

// Sites converts the sensors into interpolation sites.
func (c *AppConfig) Sites() []interp.Site {
	sites := make([]interp.Site, 0, len(c.Sensors))
	for _, s := range c.Sensors {
		sites = append(sites, interp.Site{
			ID:        s.ID,
			Kind:      s.Kind,
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
		})
	}
	return sites
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		logging.Debug().Err(err).Msg("no .env file loaded")
	}
	cfg := &AppConfig{}

	cfg.FeedBaseURL = getenvDefault("FEED_BASE_URL", "https://api.thingspeak.com")
	cfg.FeedAPIKey = os.Getenv("FEED_API_KEY")
	cfg.FeedMaxPages = getenvInt("FEED_MAX_PAGES", 0)

	rateLimit, err := strconv.ParseFloat(getenvDefault("FEED_RATE_LIMIT", "4"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_RATE_LIMIT: %w", err)
	}
	cfg.FeedRateLimit = rateLimit

	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}

	cfg.CacheDir = getenvDefault("CACHE_DIR", "./cache")
	cfg.CacheBackend = strings.ToLower(getenvDefault("CACHE_BACKEND", "csv"))
	if cfg.CacheBackend != "csv" && cfg.CacheBackend != "memory" {
		return nil, fmt.Errorf("invalid CACHE_BACKEND %q: want csv or memory", cfg.CacheBackend)
	}

	cfg.ResponseCache = strings.ToLower(getenvDefault("RESPONSE_CACHE", "none"))
	switch cfg.ResponseCache {
	case "none", "memory", "bolt":
	default:
		return nil, fmt.Errorf("invalid RESPONSE_CACHE %q: want none, memory or bolt", cfg.ResponseCache)
	}
	if cfg.ResponseCacheTTL, err = getenvDuration("RESPONSE_CACHE_TTL", "10m"); err != nil {
		return nil, err
	}
	cfg.ResponseCachePath = getenvDefault("RESPONSE_CACHE_PATH", "./cache/responses.db")

	cfg.LocationsDB = os.Getenv("LOCATIONS_DB")

	// Scheduler intervals: sync every 15 minutes, refit every 30.
	if cfg.SyncInterval, err = getenvDuration("SYNC_INTERVAL", "15m"); err != nil {
		return nil, err
	}
	if cfg.ModelInterval, err = getenvDuration("MODEL_INTERVAL", "30m"); err != nil {
		return nil, err
	}
	cfg.SyncParallelism = getenvInt("SYNC_PARALLELISM", 4)

	if cfg.Model, err = loadModelParams(); err != nil {
		return nil, err
	}

	cfg.GeocoderAPIKey = os.Getenv("GEOCODER_API_KEY")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "json")
	cfg.Port = getenvDefault("PORT", "8080")

	sensors, err := loadSensors()
	if err != nil {
		return nil, err
	}
	cfg.Sensors = sensors

	return cfg, nil
}

func loadModelParams() (interp.Params, error) {
	p := interp.DefaultParams
	p.GridSize = getenvInt("MODEL_GRID_SIZE", p.GridSize)
	if p.GridSize < 2 {
		return p, fmt.Errorf("invalid MODEL_GRID_SIZE %d: need at least 2", p.GridSize)
	}

	var err error
	if p.LengthScale, err = getenvFloat("MODEL_LENGTHSCALE", p.LengthScale); err != nil {
		return p, err
	}
	if p.Noise, err = getenvFloat("MODEL_NOISE", p.Noise); err != nil {
		return p, err
	}
	if v := os.Getenv("MODEL_BBOX"); v != "" {
		if p.BBox, err = interp.ParseBBox(v); err != nil {
			return p, fmt.Errorf("invalid MODEL_BBOX: %w", err)
		}
	}
	return p, nil
}

// loadSensors merges the SENSORS id list with the SENSORS_FILE entries.
// File entries win on duplicate ids.
func loadSensors() ([]Sensor, error) {
	var sensors []Sensor
	seen := make(map[feed.SensorID]int)

	if fname := os.Getenv("SENSORS_FILE"); fname != "" {
		fromFile, err := LoadSensorsFile(fname)
		if err != nil {
			return nil, err
		}
		for _, s := range fromFile {
			seen[s.ID] = len(sensors)
			sensors = append(sensors, s)
		}
	}

	for _, id := range strings.Split(os.Getenv("SENSORS"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[feed.SensorID(id)]; ok {
			continue
		}
		seen[feed.SensorID(id)] = len(sensors)
		sensors = append(sensors, Sensor{ID: feed.SensorID(id), Kind: interp.KindMobile})
	}

	return sensors, nil
}

// LoadSensorsFile reads a YAML list of sensors.
func LoadSensorsFile(fname string) ([]Sensor, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("could not read sensors file %q: %w", fname, err)
	}

	var doc struct {
		Sensors []Sensor `yaml:"sensors"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("could not decode sensors file %q: %w", fname, err)
	}

	for i := range doc.Sensors {
		s := &doc.Sensors[i]
		if s.ID == "" {
			return nil, fmt.Errorf("sensors file %q: entry %d has no id", fname, i)
		}
		switch s.Kind {
		case "":
			s.Kind = interp.KindMobile
		case interp.KindMobile, interp.KindStatic:
		default:
			return nil, fmt.Errorf("sensors file %q: sensor %s has unknown kind %q", fname, s.ID, s.Kind)
		}
	}
	if len(doc.Sensors) == 0 {
		return nil, errors.New("sensors file " + strconv.Quote(fname) + " lists no sensors")
	}
	return doc.Sensors, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
