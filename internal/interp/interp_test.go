package interp

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/geo"
	"github.com/i474232898/air-quality-aggregation/internal/pollution"
	"github.com/i474232898/air-quality-aggregation/internal/store"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func cornerObservations(b BBox) []Observation {
	pts := []struct{ lon, lat, v float64 }{
		{b.MinLon, b.MinLat, 10},
		{b.MaxLon, b.MinLat, 20},
		{b.MinLon, b.MaxLat, 30},
		{b.MaxLon, b.MaxLat, 40},
	}
	var obs []Observation
	for i, p := range pts {
		x, y := geo.Merc(p.lon, p.lat)
		obs = append(obs, Observation{
			SensorID:  feed.IntSensorID(int64(i + 1)),
			Kind:      KindStatic,
			Latitude:  p.lat,
			Longitude: p.lon,
			X:         x,
			Y:         y,
			Value:     p.v,
		})
	}
	return obs
}

func TestFitInterpolatesObservations(t *testing.T) {
	p := DefaultParams
	p.GridSize = 3
	p.Noise = 1e-6
	obs := cornerObservations(p.BBox)

	m, err := Fit(obs, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Means) != 9 || len(m.Vars) != 9 {
		t.Fatalf("expected a 3x3 grid, got %d means", len(m.Means))
	}

	// Corner nodes sit on the observations.
	corners := map[int]float64{0: 10, 2: 20, 6: 30, 8: 40}
	for k, want := range corners {
		if !near(m.Means[k], want, 1e-3) {
			t.Errorf("node %d: expected mean %v, got %v", k, want, m.Means[k])
		}
		if m.Vars[k] > 1e-3 {
			t.Errorf("node %d: expected near-zero variance, got %v", k, m.Vars[k])
		}
	}

	// The centre is tens of kilometres from any sensor: prior mean and variance.
	if !near(m.Means[4], 25, 1e-3) {
		t.Errorf("centre: expected prior mean 25, got %v", m.Means[4])
	}
	if m.Vars[4] < 100 {
		t.Errorf("centre: expected prior variance, got %v", m.Vars[4])
	}
}

func TestFitErrors(t *testing.T) {
	if _, err := Fit(nil, DefaultParams); !errors.Is(err, ErrNotEnoughObservations) {
		t.Fatalf("expected ErrNotEnoughObservations, got %v", err)
	}

	p := DefaultParams
	p.GridSize = 1
	if _, err := Fit(cornerObservations(p.BBox), p); err == nil {
		t.Fatal("expected an error for a 1-node grid")
	}
}

func TestFitSingleObservation(t *testing.T) {
	p := DefaultParams
	p.GridSize = 4
	obs := cornerObservations(p.BBox)[:1]

	m, err := Fit(obs, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for k, v := range m.Means {
		if !near(v, 10, 1e-9) {
			t.Fatalf("node %d: expected constant mean 10, got %v", k, v)
		}
	}
}

func gridModel() *Model {
	return &Model{
		GridX: []float64{0, 1, 2},
		GridY: []float64{0, 10},
		Means: []float64{
			0, 1, 2, // y = 0
			10, 11, 12, // y = 10
		},
		Vars: []float64{
			1, 1, 1,
			4, 4, 4,
		},
	}
}

func TestModelAt(t *testing.T) {
	m := gridModel()

	tests := []struct {
		x, y     float64
		mean, va float64
	}{
		{0, 0, 0, 1},
		{2, 10, 12, 4},
		{1, 10, 11, 4},
		{0.5, 0, 0.5, 1},
		{1.5, 5, 6.5, 2.5},
		// Clamped to the grid edges.
		{-5, -5, 0, 1},
		{9, 99, 12, 4},
	}
	for _, tc := range tests {
		mean, va := m.At(tc.x, tc.y)
		if !near(mean, tc.mean, 1e-12) || !near(va, tc.va, 1e-12) {
			t.Errorf("At(%v, %v): expected (%v, %v), got (%v, %v)", tc.x, tc.y, tc.mean, tc.va, mean, va)
		}
	}
}

func TestModelEstimate(t *testing.T) {
	m := gridModel()

	est, err := m.Estimate(Query{XStart: 0, XEnd: 2, YStart: 0, YEnd: 10, GridSize: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantX := []float64{0, 2, 0, 2}
	wantY := []float64{0, 0, 10, 10}
	wantMean := []float64{0, 2, 10, 12}
	for k := range wantX {
		if est.XGrid[k] != wantX[k] || est.YGrid[k] != wantY[k] || est.Means[k] != wantMean[k] {
			t.Errorf("node %d: got (%v, %v) = %v", k, est.XGrid[k], est.YGrid[k], est.Means[k])
		}
		if want := MarkerSize(est.Vars[k]); est.Sizes[k] != want {
			t.Errorf("node %d: expected size %v, got %v", k, want, est.Sizes[k])
		}
	}
	if len(est.Lon) != 4 || len(est.Lat) != 4 {
		t.Fatalf("expected lon/lat for every node")
	}

	if _, err := m.Estimate(Query{GridSize: MaxQueryGridSize + 1}); err == nil {
		t.Fatal("expected an error for an oversized grid")
	}
	if _, err := m.Estimate(Query{XStart: math.NaN(), XEnd: 1, GridSize: 2}); err == nil {
		t.Fatal("expected an error for a NaN bound")
	}
	if _, err := m.Estimate(Query{XEnd: 1, YEnd: math.Inf(1), GridSize: 2}); err == nil {
		t.Fatal("expected an error for an infinite bound")
	}

	single, err := m.Estimate(Query{XStart: 1, XEnd: 2, YStart: 10, YEnd: 0, GridSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(single.Means) != 1 || single.Means[0] != 11 {
		t.Fatalf("unexpected single-node estimate %+v", single)
	}
}

func TestMarkerSize(t *testing.T) {
	if got, want := MarkerSize(9), 150*math.Log(101); !near(got, want, 1e-9) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if math.IsInf(MarkerSize(0), 0) {
		t.Fatal("zero variance must not give an infinite size")
	}
}

type staticSource []Observation

func (s staticSource) Observations(ctx context.Context) ([]Observation, error) {
	return s, nil
}

func TestHolder(t *testing.T) {
	p := DefaultParams
	p.GridSize = 5

	h := NewHolder(staticSource(nil), p)
	if _, err := h.Model(); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
	if _, err := h.Refresh(context.Background()); !errors.Is(err, ErrNotEnoughObservations) {
		t.Fatalf("expected ErrNotEnoughObservations, got %v", err)
	}

	h = NewHolder(staticSource(cornerObservations(p.BBox)), p)
	m, err := h.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	cur, err := h.Model()
	if err != nil || cur != m {
		t.Fatalf("expected refreshed model to be current")
	}

	x0, y0 := geo.Merc(p.BBox.MinLon, p.BBox.MinLat)
	x1, y1 := geo.Merc(p.BBox.MaxLon, p.BBox.MaxLat)
	est, err := h.Estimate(Query{XStart: x0, XEnd: x1, YStart: y0, YEnd: y1, GridSize: 10})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if len(est.Means) != 100 {
		t.Fatalf("expected 100 nodes, got %d", len(est.Means))
	}
}

func TestParseBBox(t *testing.T) {
	b, err := ParseBBox("32.4, 0.01, 32.8, 0.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != DefaultParams.BBox {
		t.Fatalf("expected %+v, got %+v", DefaultParams.BBox, b)
	}
	for _, s := range []string{"", "1,2,3", "a,b,c,d", "32.8,0.5,32.4,0.01"} {
		if _, err := ParseBBox(s); err == nil {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}

func TestCacheSource(t *testing.T) {
	tables := store.NewMemoryStore()
	columns := []string{
		"entry_id", "Sensor1 PM2.5", "Sensor1 PM10", "Sensor2 PM2.5", "Sensor2 PM10", "latitude", "longitude",
	}
	mobile := &feed.Table{Columns: columns, Rows: []feed.Row{
		{CreatedAt: "2019-01-01T10:00:00Z", Values: []string{"1", "10", "11", "20", "21", "0.30", "32.55"}},
		{CreatedAt: "2019-01-01T10:01:00Z", Values: []string{"2", "30", "31", "", "", "0.0", "1000"}},
	}}
	static := &feed.Table{Columns: columns, Rows: []feed.Row{
		{CreatedAt: "2019-01-01T10:00:00Z", Values: []string{"1", "5", "6", "7", "8", "", ""}},
	}}
	if err := tables.Save("1", mobile); err != nil {
		t.Fatal(err)
	}
	if err := tables.Save("2", static); err != nil {
		t.Fatal(err)
	}

	sites := []Site{
		{ID: "1", Kind: KindMobile},
		{ID: "2", Kind: KindStatic, Latitude: 0.35, Longitude: 32.6},
		{ID: "3", Kind: KindStatic, Latitude: 0.35, Longitude: 32.6}, // never synced
	}
	obs, err := NewCacheSource(tables, sites, pollution.DefaultSchema).Observations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d: %+v", len(obs), obs)
	}

	// Latest PM2.5 of sensor 1 is the 10:01 reading; its position falls back
	// to the last valid fix.
	if obs[0].Value != 30 || obs[0].Latitude != 0.30 || obs[0].Longitude != 32.55 {
		t.Errorf("unexpected mobile observation %+v", obs[0])
	}
	if obs[1].Value != 6 || obs[1].Latitude != 0.35 || obs[1].Kind != KindStatic {
		t.Errorf("unexpected static observation %+v", obs[1])
	}
	if x, y := geo.Merc(obs[1].Longitude, obs[1].Latitude); obs[1].X != x || obs[1].Y != y {
		t.Errorf("observation not projected")
	}
}
