package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/air-quality-aggregation/internal/feed"
	"github.com/i474232898/air-quality-aggregation/internal/logging"
)

// Syncer brings sensor caches up to date.
type Syncer interface {
	SyncAll(ctx context.Context, ids []feed.SensorID) ([]feed.SyncResult, error)
}

// Refresher rebuilds derived state after a sync.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

// Scheduler periodically syncs the configured sensors and refreshes the
// interpolation model.
type Scheduler struct {
	scheduler *gocron.Scheduler
	syncer    Syncer
	refresher Refresher
	sensors   []feed.SensorID

	syncInterval  time.Duration
	modelInterval time.Duration
	jobTimeout    time.Duration

	// fitted is set once a refresh succeeds. Until then every sync that
	// brings new rows triggers a refresh instead of waiting for the model job.
	fitted atomic.Bool
}

// New creates a new Scheduler. refresher may be nil.
func New(sensors []feed.SensorID, syncer Syncer, refresher Refresher, syncInterval, modelInterval time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler:     s,
		syncer:        syncer,
		refresher:     refresher,
		sensors:       sensors,
		syncInterval:  syncInterval,
		modelInterval: modelInterval,
		jobTimeout:    10 * time.Minute,
	}
}

// MarkFitted records that a model is already available, so syncs no longer
// trigger an early refresh.
func (s *Scheduler) MarkFitted() {
	s.fitted.Store(true)
}

// Start schedules the periodic jobs and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.sensors) == 0 {
		logging.Warn().Msg("scheduler: no sensors configured; nothing to schedule")
		return nil
	}

	_, err := s.scheduler.Every(orDefault(s.syncInterval, 15*time.Minute)).Do(s.runSync)
	if err != nil {
		return err
	}

	if s.refresher != nil {
		_, err = s.scheduler.Every(orDefault(s.modelInterval, 30*time.Minute)).
			WaitForSchedule().
			Do(s.runRefresh)
		if err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	return nil
}

func (s *Scheduler) runSync() {
	logging.Info().Int("sensors", len(s.sensors)).Msg("scheduler: running feed sync job")

	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	results, err := s.syncer.SyncAll(ctx, s.sensors)
	if err != nil {
		logging.Error().Err(err).Msg("scheduler: feed sync failed for some sensors")
	}

	rows := 0
	for _, r := range results {
		rows += r.NewRows
	}
	logging.Info().
		Int("synced", len(results)).
		Int("new_rows", rows).
		Msg("scheduler: completed feed sync job")

	if s.refresher != nil && rows > 0 && !s.fitted.Load() {
		logging.Info().Msg("scheduler: no model fitted yet; refreshing after sync")
		s.runRefresh()
	}
}

func (s *Scheduler) runRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	if err := s.refresher.Refresh(ctx); err != nil {
		logging.Error().Err(err).Msg("scheduler: model refresh failed")
		return
	}
	s.fitted.Store(true)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
