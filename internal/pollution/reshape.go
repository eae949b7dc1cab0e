// Package pollution reshapes a cached dual-sensor feed table into tidy
// per-sensor-type particulate records.
package pollution

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/i474232898/air-quality-aggregation/internal/common"
	"github.com/i474232898/air-quality-aggregation/internal/feed"
)

// Pollutant labels understood by the reshaper.
const (
	PM25 = "PM2.5"
	PM10 = "PM10"
)

// ErrSchemaMismatch is returned when a table's measurement columns do not
// match the schema.
var ErrSchemaMismatch = errors.New("feed table does not match pollution schema")

// Schema describes which columns of a feed table are dropped and how the
// remaining measurement columns are labeled, in order.
type Schema struct {
	// DropExact lists column names dropped, compared ignoring case.
	DropExact []string
	// DropContaining drops columns whose name contains any of these, ignoring case.
	DropContaining []string
	// Measurements labels the kept columns positionally as "<sensor type> <pollutant>".
	Measurements []string
}

// DefaultSchema matches the AirQo channel layout: two PMS sensors, each
// reporting PM2.5 and PM10, plus position, battery and GPS housekeeping.
var DefaultSchema = Schema{
	DropExact:      []string{"entry_id", "latitude", "longitude"},
	DropContaining: []string{"battery", "gps"},
	Measurements: []string{
		"Sensor1 " + PM25,
		"Sensor1 " + PM10,
		"Sensor2 " + PM25,
		"Sensor2 " + PM10,
	},
}

// Record is one (sensor, timestamp, sensor type) row with its pollutants side by side.
type Record struct {
	SensorID   feed.SensorID `json:"sensorId"`
	CreatedAt  string        `json:"createdAt"`
	SensorType string        `json:"sensorType"`
	PM25       *float64      `json:"pm2_5"`
	PM10       *float64      `json:"pm10"`
}

type measurement struct {
	column     int
	sensorType string
	pollutant  string
}

// Reshape turns the wide table into long records, one per timestamp and sensor
// type, in table order. A sensor type with no value at a timestamp yields no record.
func Reshape(t *feed.Table, id feed.SensorID, schema Schema) ([]Record, error) {
	ms, err := schema.bind(t.Columns)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range t.Rows {
		var cur *Record
		for _, m := range ms {
			if cur == nil || cur.SensorType != m.sensorType {
				if cur != nil && (cur.PM25 != nil || cur.PM10 != nil) {
					out = append(out, *cur)
				}
				cur = &Record{SensorID: id, CreatedAt: r.CreatedAt, SensorType: m.sensorType}
			}

			v, ok := parseValue(r.Values, m.column)
			if !ok {
				continue
			}
			switch m.pollutant {
			case PM25:
				cur.PM25 = &v
			case PM10:
				cur.PM10 = &v
			}
		}
		if cur != nil && (cur.PM25 != nil || cur.PM10 != nil) {
			out = append(out, *cur)
		}
	}
	return out, nil
}

// bind validates the schema against columns and returns the measurements
// grouped by sensor type.
func (s Schema) bind(columns []string) ([]measurement, error) {
	var kept []int
	for i, c := range columns {
		if s.dropped(c) {
			continue
		}
		kept = append(kept, i)
	}
	if len(kept) != len(s.Measurements) {
		return nil, fmt.Errorf("%w: %d measurement columns, want %d", ErrSchemaMismatch, len(kept), len(s.Measurements))
	}

	ms := make([]measurement, 0, len(kept))
	for i, label := range s.Measurements {
		sensorType, pollutant, ok := strings.Cut(strings.TrimSpace(label), " ")
		if !ok || sensorType == "" {
			return nil, fmt.Errorf("%w: label %q has no sensor type", ErrSchemaMismatch, label)
		}
		pollutant = strings.TrimSpace(pollutant)
		if pollutant != PM25 && pollutant != PM10 {
			return nil, fmt.Errorf("%w: unknown pollutant %q", ErrSchemaMismatch, pollutant)
		}
		ms = append(ms, measurement{column: kept[i], sensorType: sensorType, pollutant: pollutant})
	}

	// Group by sensor type while keeping first-seen order.
	grouped := make([]measurement, 0, len(ms))
	done := make(map[string]bool)
	for _, m := range ms {
		if done[m.sensorType] {
			continue
		}
		done[m.sensorType] = true
		for _, o := range ms {
			if o.sensorType == m.sensorType {
				grouped = append(grouped, o)
			}
		}
	}
	return grouped, nil
}

func (s Schema) dropped(column string) bool {
	c := strings.TrimSpace(column)
	for _, d := range s.DropExact {
		if strings.EqualFold(c, d) {
			return true
		}
	}
	return common.HasAnyFold(c, s.DropContaining...)
}

func parseValue(values []string, i int) (float64, bool) {
	if i >= len(values) {
		return 0, false
	}
	s := strings.TrimSpace(values[i])
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Between returns the records whose timestamp lies in [from, to]. A zero
// bound is open.
func Between(records []Record, from, to time.Time) []Record {
	var out []Record
	for _, r := range records {
		ts, err := feed.ParseTimestamp(r.CreatedAt)
		if err != nil {
			continue
		}
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// LatestPM25 returns the mean PM2.5 across sensor types at the newest
// timestamp that has any PM2.5 reading.
func LatestPM25(records []Record) (value float64, createdAt string, ok bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].PM25 == nil {
			continue
		}
		createdAt = records[i].CreatedAt

		var sum float64
		n := 0
		for j := i; j >= 0 && records[j].CreatedAt == createdAt; j-- {
			if records[j].PM25 != nil {
				sum += *records[j].PM25
				n++
			}
		}
		return sum / float64(n), createdAt, true
	}
	return 0, "", false
}

// Latest returns the newest record of each sensor type, in first-seen order.
func Latest(records []Record) []Record {
	idx := make(map[string]int)
	var out []Record
	for _, r := range records {
		if i, ok := idx[r.SensorType]; ok {
			out[i] = r
			continue
		}
		idx[r.SensorType] = len(out)
		out = append(out, r)
	}
	return out
}
