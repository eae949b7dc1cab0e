package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
)

// indexTimeLayout keeps stored timestamps lexically ordered.
const indexTimeLayout = "2006-01-02T15:04:05"

// Position is one recorded sensor location.
type Position struct {
	SensorID  feed.SensorID `json:"sensorId"`
	CreatedAt time.Time     `json:"createdAt"`
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
}

// LocationIndex records sensor positions from synced feed rows in SQLite so
// they can be queried by time range.
type LocationIndex struct {
	db *sql.DB
}

var _ feed.Observer = (*LocationIndex)(nil)

// OpenLocationIndex opens (or creates) the SQLite location index.
func OpenLocationIndex(fname string) (*LocationIndex, error) {
	db, err := sql.Open("sqlite", fname)
	if err != nil {
		return nil, fmt.Errorf("could not open location index %q: %w", fname, err)
	}
	db.SetMaxOpenConns(1)

	idx := &LocationIndex{db: db}
	if err := idx.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not setup location index %q: %w", fname, err)
	}
	return idx, nil
}

func (idx *LocationIndex) init(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS positions (
			sensor_id  TEXT NOT NULL,
			created_at TEXT NOT NULL, -- UTC, 2006-01-02T15:04:05
			latitude   REAL NOT NULL,
			longitude  REAL NOT NULL,
			PRIMARY KEY (sensor_id, created_at)
		);
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}

	// Use Write Ahead Logging which improves SQLite concurrency.
	if _, err := idx.db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("could not set WAL mode: %w", err)
	}
	return nil
}

// Close closes the index.
func (idx *LocationIndex) Close() error {
	return idx.db.Close()
}

// Observe stores the positions carried by rows. Rows without a usable
// latitude/longitude, or with the placeholder longitudes 0 and 1000, are skipped.
func (idx *LocationIndex) Observe(ctx context.Context, id feed.SensorID, columns []string, rows []feed.Row) error {
	latIdx := feed.IndexFold(columns, "latitude", "lat")
	lonIdx := feed.IndexFold(columns, "longitude", "lon")
	if latIdx < 0 || lonIdx < 0 {
		return nil
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (sensor_id, created_at, latitude, longitude)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sensor_id, created_at) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		pos, ok := positionOf(id, r, latIdx, lonIdx)
		if !ok {
			continue
		}
		_, err := stmt.ExecContext(ctx, id.String(), pos.CreatedAt.Format(indexTimeLayout), pos.Latitude, pos.Longitude)
		if err != nil {
			return fmt.Errorf("inserting position of sensor %s at %s: %w", id, r.CreatedAt, err)
		}
	}
	return tx.Commit()
}

func positionOf(id feed.SensorID, r feed.Row, latIdx, lonIdx int) (Position, bool) {
	if latIdx >= len(r.Values) || lonIdx >= len(r.Values) {
		return Position{}, false
	}
	lat, err := strconv.ParseFloat(r.Values[latIdx], 64)
	if err != nil {
		return Position{}, false
	}
	lon, err := strconv.ParseFloat(r.Values[lonIdx], 64)
	if err != nil || lon == 0 || lon == 1000 {
		return Position{}, false
	}
	ts, err := feed.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return Position{}, false
	}
	return Position{SensorID: id, CreatedAt: ts.UTC(), Latitude: lat, Longitude: lon}, true
}

// Positions returns the positions of id strictly between start and end, oldest first.
func (idx *LocationIndex) Positions(ctx context.Context, id feed.SensorID, start, end time.Time) ([]Position, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT created_at, latitude, longitude FROM positions
		WHERE sensor_id = ? AND created_at > ? AND created_at < ?
		ORDER BY created_at
	`, id.String(), start.UTC().Format(indexTimeLayout), end.UTC().Format(indexTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("querying positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var (
			ts  string
			pos = Position{SensorID: id}
		)
		if err := rows.Scan(&ts, &pos.Latitude, &pos.Longitude); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		if pos.CreatedAt, err = time.Parse(indexTimeLayout, ts); err != nil {
			return nil, fmt.Errorf("parsing position time %q: %w", ts, err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// Latest returns the most recent position of id.
func (idx *LocationIndex) Latest(ctx context.Context, id feed.SensorID) (Position, error) {
	var (
		ts  string
		pos = Position{SensorID: id}
	)
	err := idx.db.QueryRowContext(ctx, `
		SELECT created_at, latitude, longitude FROM positions
		WHERE sensor_id = ? ORDER BY created_at DESC LIMIT 1
	`, id.String()).Scan(&ts, &pos.Latitude, &pos.Longitude)
	if errors.Is(err, sql.ErrNoRows) {
		return pos, ErrNotFound
	}
	if err != nil {
		return pos, fmt.Errorf("querying latest position: %w", err)
	}
	pos.CreatedAt, err = time.Parse(indexTimeLayout, ts)
	return pos, err
}
