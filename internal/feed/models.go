package feed

import "strconv"

// PageCap is the maximum number of records the remote feed returns per request.
const PageCap = 8000

// IndexColumn is the feed field used as the row key of a Table.
const IndexColumn = "created_at"

// SensorID names one remote channel.
type SensorID string

// IntSensorID formats a numeric channel id.
func IntSensorID(n int64) SensorID {
	return SensorID(strconv.FormatInt(n, 10))
}

func (id SensorID) String() string {
	return string(id)
}

// Direction selects which end of the cursor the pager advances.
type Direction int

const (
	// Backward pages from "now" into the past by moving the end date.
	Backward Direction = iota
	// Forward pages from a start date towards "now".
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// Record is a single feed entry with every value normalised to its string form.
type Record map[string]string

// Page is one bounded response of the remote feed.
type Page struct {
	// Channel holds the channel metadata, including the "fieldN" -> label mapping.
	Channel map[string]string
	Records []Record
}

// Len returns the number of records in the page.
func (p Page) Len() int {
	return len(p.Records)
}

// Cursor is the (start, end) date pair of the next request. Empty means unbounded.
type Cursor struct {
	Start string
	End   string
}

// Direction reports which way a fetch loop seeded with this cursor pages.
func (c Cursor) Direction() Direction {
	if c.Start != "" {
		return Forward
	}
	return Backward
}

// SyncMode describes what a Sync call did to the cache.
type SyncMode string

const (
	ModeBackfill    SyncMode = "backfill"
	ModeIncremental SyncMode = "incremental"
	ModeUnchanged   SyncMode = "unchanged"
)

// SyncResult summarises one Sync call.
type SyncResult struct {
	SensorID SensorID `json:"sensorId"`
	Mode     SyncMode `json:"mode"`
	Pages    int      `json:"pages"`
	NewRows  int      `json:"newRows"`
	Rows     int      `json:"rows"`
	Last     string   `json:"last,omitempty"`
}
