package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteFetch matches any RemoteFetchError via errors.Is.
	ErrRemoteFetch = errors.New("remote fetch failed")
	// ErrEmptyResult means the remote feed has no further records.
	ErrEmptyResult = errors.New("no further records")
	// ErrCacheMissing is returned by a TableStore when no table is persisted for a sensor.
	ErrCacheMissing = errors.New("no cached feed for sensor")
	// ErrCursorStalled means the next cursor equals the one just requested.
	ErrCursorStalled = errors.New("cursor did not advance")
	// ErrTooManyPages means the configured page limit was hit before a short page.
	ErrTooManyPages = errors.New("page limit exceeded")
)

// RemoteFetchError reports a non-success response from the feed API.
type RemoteFetchError struct {
	StatusCode int
	Body       string
}

func (e *RemoteFetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote fetch failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote fetch failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *RemoteFetchError) Is(target error) bool {
	return target == ErrRemoteFetch
}

// MalformedCursorError is returned when a page timestamp cannot be turned into a cursor.
type MalformedCursorError struct {
	Timestamp string
	Err       error
}

func (e *MalformedCursorError) Error() string {
	return fmt.Sprintf("malformed cursor timestamp %q: %v", e.Timestamp, e.Err)
}

func (e *MalformedCursorError) Unwrap() error {
	return e.Err
}
