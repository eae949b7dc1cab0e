package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
)

// ErrNotFound is returned when no cached table exists for a sensor.
var ErrNotFound = feed.ErrCacheMissing

// CSVStore keeps one "<id>.csv" file per sensor under a directory.
type CSVStore struct {
	dir string
}

var _ feed.TableStore = (*CSVStore)(nil)

// NewCSVStore creates the cache directory if needed.
func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &CSVStore{dir: dir}, nil
}

// Path returns the cache file of id.
func (s *CSVStore) Path(id feed.SensorID) (string, error) {
	name := id.String()
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid sensor id %q", name)
	}
	return filepath.Join(s.dir, name+".csv"), nil
}

// Load reads the cached table of id.
func (s *CSVStore) Load(id feed.SensorID) (*feed.Table, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}
	defer f.Close()

	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("reading cache file %s: %w", path, err)
	}
	return t, nil
}

// Save replaces the cached table of id. The file is written next to the
// target and renamed over it, so readers never see a partial table.
func (s *CSVStore) Save(id feed.SensorID, t *feed.Table) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, id.String()+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteTable(tmp, t); err != nil {
		tmp.Close()
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("setting cache file mode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}
	return nil
}

// WriteTable encodes t as CSV with a created_at index column first.
func WriteTable(w io.Writer, t *feed.Table) error {
	cw := csv.NewWriter(w)

	header := append([]string{feed.IndexColumn}, t.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for _, r := range t.Rows {
		record[0] = r.CreatedAt
		for i := range t.Columns {
			record[i+1] = ""
			if i < len(r.Values) {
				record[i+1] = r.Values[i]
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadTable decodes a table written by WriteTable.
func ReadTable(r io.Reader) (*feed.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty cache file")
	}
	if err != nil {
		return nil, err
	}
	if len(header) == 0 || header[0] != feed.IndexColumn {
		return nil, fmt.Errorf("cache file header must start with %q", feed.IndexColumn)
	}

	t := &feed.Table{Columns: append([]string(nil), header[1:]...)}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		values := make([]string, len(t.Columns))
		copy(values, rec[1:])
		t.Rows = append(t.Rows, feed.Row{CreatedAt: rec[0], Values: values})
	}
	return t, nil
}
