package feed

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// encodedSpace separates date and time in the feed API's query encoding.
const encodedSpace = "%20"

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a feed timestamp. The wall clock is kept as-is; no
// timezone conversion happens here.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, encodedSpace, " "))
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp format")
}

// FormatCursor renders t in the API's encoded-space form: YYYY-MM-DD%20HH:MM:SS.
func FormatCursor(t time.Time) string {
	// The "%20" can't go in the layout itself: "2" is the day-of-month verb.
	return t.Format("2006-01-02") + encodedSpace + t.Format("15:04:05")
}

// EncodeCursor turns a cached row key into a start cursor, without any offset.
func EncodeCursor(ts string) (string, error) {
	t, err := ParseTimestamp(ts)
	if err != nil {
		return "", &MalformedCursorError{Timestamp: ts, Err: err}
	}
	return FormatCursor(t), nil
}

// Advance computes the next cursor value after page. Forward takes the last
// record plus one second, Backward the first record minus one second.
func Advance(page Page, dir Direction) (string, error) {
	if page.Len() == 0 {
		return "", &MalformedCursorError{Err: errors.New("page has no records")}
	}

	idx, delta := 0, -time.Second
	if dir == Forward {
		idx, delta = page.Len()-1, time.Second
	}

	raw, ok := page.Records[idx][IndexColumn]
	if !ok {
		return "", &MalformedCursorError{Err: fmt.Errorf("record has no %s field", IndexColumn)}
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return "", &MalformedCursorError{Timestamp: raw, Err: err}
	}
	return FormatCursor(ts.Add(delta)), nil
}
