package plot

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/i474232898/air-quality-aggregation/internal/interp"
	"github.com/i474232898/air-quality-aggregation/internal/pollution"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestMap(t *testing.T) {
	m := &interp.Model{
		GridX: []float64{0, 1, 2},
		GridY: []float64{0, 1},
		Means: []float64{1, 2, 3, 4, 5, 6},
		Vars:  []float64{1, 1, 1, 1, 1, 1},
		Observations: []interp.Observation{
			{SensorID: "1", Kind: interp.KindMobile, X: 0.5, Y: 0.5, Value: 3},
			{SensorID: "2", Kind: interp.KindStatic, X: 1.5, Y: 0.2, Value: 4},
		},
		FittedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	png, err := Map(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Fatal("map is not a PNG")
	}

	if _, err := Map(nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestSeries(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	records := []pollution.Record{
		{SensorID: "1", CreatedAt: "2019-01-01T10:00:00Z", SensorType: "Sensor1", PM25: v(10)},
		{SensorID: "1", CreatedAt: "2019-01-01T10:00:00Z", SensorType: "Sensor2", PM25: v(12)},
		{SensorID: "1", CreatedAt: "2019-01-01T11:00:00Z", SensorType: "Sensor1", PM25: v(14)},
		{SensorID: "1", CreatedAt: "2019-01-01T12:00:00Z", SensorType: "Sensor2", PM10: v(30)},
	}

	png, err := Series("1", records)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Fatal("series plot is not a PNG")
	}

	if _, err := Series("1", records[3:]); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData without PM2.5 readings, got %v", err)
	}
}
