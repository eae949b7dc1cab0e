package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/interp"
)

// clearEnv blanks every key Load reads, so the host environment does not leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FEED_BASE_URL", "FEED_API_KEY", "FEED_MAX_PAGES", "FEED_RATE_LIMIT", "HTTP_TIMEOUT",
		"CACHE_DIR", "CACHE_BACKEND", "RESPONSE_CACHE", "RESPONSE_CACHE_TTL", "RESPONSE_CACHE_PATH",
		"LOCATIONS_DB", "SENSORS", "SENSORS_FILE", "SYNC_INTERVAL", "MODEL_INTERVAL", "SYNC_PARALLELISM",
		"MODEL_GRID_SIZE", "MODEL_LENGTHSCALE", "MODEL_NOISE", "MODEL_BBOX", "GEOCODER_API_KEY",
		"LOG_LEVEL", "LOG_FORMAT", "PORT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir()) // no .env
	t.Setenv("SENSORS", "930428, 930429,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FeedBaseURL != "https://api.thingspeak.com" || cfg.FeedRateLimit != 4 {
		t.Errorf("unexpected feed settings %q %v", cfg.FeedBaseURL, cfg.FeedRateLimit)
	}
	if cfg.SyncInterval != 15*time.Minute || cfg.ModelInterval != 30*time.Minute {
		t.Errorf("unexpected intervals %v %v", cfg.SyncInterval, cfg.ModelInterval)
	}
	if cfg.CacheBackend != "csv" || cfg.ResponseCache != "none" || cfg.Port != "8080" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Model != interp.DefaultParams {
		t.Errorf("expected default model params, got %+v", cfg.Model)
	}

	ids := cfg.SensorIDs()
	if len(ids) != 2 || ids[0] != "930428" || ids[1] != "930429" {
		t.Fatalf("unexpected sensors %v", ids)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Chdir(t.TempDir())

	tests := map[string]string{
		"SYNC_INTERVAL":   "often",
		"CACHE_BACKEND":   "redis",
		"RESPONSE_CACHE":  "disk",
		"MODEL_BBOX":      "1,2,3",
		"MODEL_NOISE":     "low",
		"FEED_RATE_LIMIT": "fast",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", key, value)
			}
		})
	}
}

func TestLoadSensorsFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Chdir(dir)

	fname := filepath.Join(dir, "sensors.yaml")
	err := os.WriteFile(fname, []byte(`
sensors:
  - id: "930428"
    name: boda 1
  - id: "689761"
    name: Makerere
    kind: static
    lat: 0.3337
    lon: 32.5680
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("SENSORS_FILE", fname)
	t.Setenv("SENSORS", "689761,1000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Sensors) != 3 {
		t.Fatalf("expected 3 sensors, got %+v", cfg.Sensors)
	}

	s, ok := cfg.Sensor("689761")
	if !ok || s.Kind != interp.KindStatic || s.Latitude != 0.3337 || s.Name != "Makerere" {
		t.Errorf("unexpected static sensor %+v", s)
	}
	if s, _ := cfg.Sensor("930428"); s.Kind != interp.KindMobile {
		t.Errorf("expected default kind mobile, got %q", s.Kind)
	}

	sites := cfg.Sites()
	if sites[1].ID != feed.SensorID("689761") || sites[1].Longitude != 32.568 {
		t.Errorf("unexpected site %+v", sites[1])
	}
}

func TestLoadSensorsFileErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty.yaml":  "sensors: []\n",
		"noid.yaml":   "sensors:\n  - name: x\n",
		"kind.yaml":   "sensors:\n  - id: \"1\"\n    kind: airborne\n",
		"broken.yaml": "sensors: [\n",
	}
	for name, body := range cases {
		fname := filepath.Join(dir, name)
		if err := os.WriteFile(fname, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadSensorsFile(fname); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
	if _, err := LoadSensorsFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
