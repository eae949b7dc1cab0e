package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/air-quality-aggregation/internal/logging"
	"github.com/i474232898/air-quality-aggregation/internal/metrics"
)

// Service keeps the per-sensor feed cache in step with the remote feed.
type Service struct {
	store       TableStore
	pager       *Pager
	observer    Observer
	parallelism int

	mu    sync.Mutex
	locks map[SensorID]*sync.Mutex
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithObserver registers o to receive the rows added by every sync.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		s.observer = o
	}
}

// WithParallelism bounds how many sensors SyncAll processes at once.
func WithParallelism(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// NewService creates a new Service.
func NewService(store TableStore, pager *Pager, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		pager:       pager,
		parallelism: 4,
		locks:       make(map[SensorID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync reads the cached table of id and brings it up to date. Without a cache
// the full history is fetched backward from now; otherwise only records newer
// than the cached tail are fetched and appended. The cache is written only
// once a complete table has been assembled, so a failed sync leaves it as it was.
func (s *Service) Sync(ctx context.Context, id SensorID) (*Table, SyncResult, error) {
	unlock := s.lock(id)
	defer unlock()

	log := logging.With().
		Str("sensor", id.String()).
		Str("run_id", uuid.NewString()).
		Logger()

	cached, err := s.store.Load(id)
	switch {
	case errors.Is(err, ErrCacheMissing):
		log.Info().Msg("no cached feed; starting backfill")
		return s.record(s.backfill(ctx, id, log))
	case err != nil:
		metrics.SyncRuns.WithLabelValues("load", "error").Inc()
		return nil, SyncResult{SensorID: id}, fmt.Errorf("load cache for sensor %s: %w", id, err)
	case cached.Len() == 0:
		log.Info().Msg("cached feed is empty; starting backfill")
		return s.record(s.backfill(ctx, id, log))
	}

	return s.record(s.update(ctx, id, cached, log))
}

func (s *Service) backfill(ctx context.Context, id SensorID, log zerolog.Logger) (*Table, SyncResult, error) {
	res := SyncResult{SensorID: id, Mode: ModeBackfill}

	pages, err := s.pager.FetchPages(ctx, id, Cursor{})
	if err != nil {
		return nil, res, fmt.Errorf("backfill sensor %s: %w", id, err)
	}
	t, err := Assemble(pages, Backward)
	if err != nil {
		return nil, res, fmt.Errorf("assemble sensor %s: %w", id, err)
	}
	if err := s.store.Save(id, t); err != nil {
		return nil, res, fmt.Errorf("save cache for sensor %s: %w", id, err)
	}

	res.Pages = len(pages)
	res.NewRows = t.Len()
	res.Rows = t.Len()
	if last, ok := t.Last(); ok {
		res.Last = last.CreatedAt
	}
	s.notify(ctx, id, t.Columns, t.Rows, log)

	log.Info().Int("pages", res.Pages).Int("rows", res.Rows).Msg("backfill complete")
	return t, res, nil
}

func (s *Service) update(ctx context.Context, id SensorID, cached *Table, log zerolog.Logger) (*Table, SyncResult, error) {
	tail, _ := cached.Last()
	res := SyncResult{SensorID: id, Mode: ModeUnchanged, Rows: cached.Len(), Last: tail.CreatedAt}

	start, err := EncodeCursor(tail.CreatedAt)
	if err != nil {
		return nil, res, fmt.Errorf("cache tail of sensor %s: %w", id, err)
	}

	pages, err := s.pager.FetchPages(ctx, id, Cursor{Start: start})
	if errors.Is(err, ErrEmptyResult) {
		log.Info().Msg("no new records")
		return cached, res, nil
	}
	if err != nil {
		return nil, res, fmt.Errorf("update sensor %s: %w", id, err)
	}
	res.Pages = len(pages)

	fresh, err := Assemble(pages, Forward)
	if err != nil {
		return nil, res, fmt.Errorf("assemble sensor %s: %w", id, err)
	}
	fresh.Rows = newerThan(fresh.Rows, tail.CreatedAt)
	if len(fresh.Rows) == 0 {
		log.Info().Int("pages", res.Pages).Msg("no new records")
		return cached, res, nil
	}

	cached.Append(fresh)
	if err := s.store.Save(id, cached); err != nil {
		return nil, res, fmt.Errorf("save cache for sensor %s: %w", id, err)
	}

	res.Mode = ModeIncremental
	res.NewRows = len(fresh.Rows)
	res.Rows = cached.Len()
	res.Last = fresh.Rows[len(fresh.Rows)-1].CreatedAt
	s.notify(ctx, id, cached.Columns, cached.Rows[cached.Len()-res.NewRows:], log)

	log.Info().Int("pages", res.Pages).Int("new_rows", res.NewRows).Int("rows", res.Rows).Msg("cache updated")
	return cached, res, nil
}

// newerThan drops the leading rows that are not strictly after tail; the first
// of them is the boundary record shared with the cache.
func newerThan(rows []Row, tail string) []Row {
	tt, err := ParseTimestamp(tail)
	for i, r := range rows {
		if err != nil {
			if r.CreatedAt != tail {
				return rows[i:]
			}
			continue
		}
		rt, rerr := ParseTimestamp(r.CreatedAt)
		if rerr == nil && rt.After(tt) {
			return rows[i:]
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, id SensorID, columns []string, rows []Row, log zerolog.Logger) {
	if s.observer == nil || len(rows) == 0 {
		return
	}
	if err := s.observer.Observe(ctx, id, columns, rows); err != nil {
		log.Warn().Err(err).Msg("sync observer failed")
	}
}

func (s *Service) record(t *Table, res SyncResult, err error) (*Table, SyncResult, error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SyncRuns.WithLabelValues(string(res.Mode), result).Inc()
	if err == nil && res.NewRows > 0 {
		metrics.RowsAppended.WithLabelValues(res.SensorID.String()).Add(float64(res.NewRows))
	}
	return t, res, err
}

// SyncAll syncs every sensor in ids, a bounded number at a time. A failing
// sensor does not stop the others; all errors are joined.
func (s *Service) SyncAll(ctx context.Context, ids []SensorID) ([]SyncResult, error) {
	var (
		grp     errgroup.Group
		mu      sync.Mutex
		results = make([]SyncResult, len(ids))
		errs    []error
	)
	grp.SetLimit(s.parallelism)

	for i, id := range ids {
		grp.Go(func() error {
			_, res, err := s.Sync(ctx, id)
			results[i] = res
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()

	return results, errors.Join(errs...)
}

// Table returns the cached table of id without contacting the remote feed.
func (s *Service) Table(id SensorID) (*Table, error) {
	unlock := s.lock(id)
	defer unlock()
	return s.store.Load(id)
}

func (s *Service) lock(id SensorID) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
