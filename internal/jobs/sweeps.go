// Package jobs runs the periodic sweeps that feed the task queue: publish
// backfill for scheduled posts, token refresh ahead of expiry and community
// analytics collection.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/publicboost/boost-publisher/pkg/kv"
)

// Store is the slice of the task queue the sweeps write to.
type Store interface {
	EnsurePublishTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error)
	EnqueueRefreshTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error)
	EnqueueAnalyticsTasks(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	PublishBackfillSpec string
	RefreshSweepSpec    string
	AnalyticsSpec       string
	Timezone            string

	// ScheduleHorizon is how far ahead of scheduled_at a publish task is
	// guaranteed to exist.
	ScheduleHorizon time.Duration
	// RefreshHorizon selects communities whose token expires within it.
	RefreshHorizon time.Duration
	// RunTimeout bounds a single sweep.
	RunTimeout time.Duration
}

type Option func(*Sweeper)

// WithLocker makes each sweep run on at most one process per tick.
func WithLocker(l *kv.Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

type Sweeper struct {
	store  Store
	locker *kv.Locker
	logger *zap.SugaredLogger
	config Config
	now    func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func NewSweeper(st Store, logger *zap.SugaredLogger, config Config, opts ...Option) *Sweeper {
	if config.ScheduleHorizon <= 0 {
		config.ScheduleHorizon = time.Minute
	}
	if config.RefreshHorizon <= 0 {
		config.RefreshHorizon = time.Hour
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 30 * time.Second
	}
	s := &Sweeper{
		store:  st,
		logger: logger,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the sweeps and runs the scheduler until ctx ends or Stop
// is called. A sweep with an empty schedule is disabled.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loc := s.loadLocation()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{"publish_backfill", s.config.PublishBackfillSpec, s.BackfillPublishTasks},
		{"refresh_sweep", s.config.RefreshSweepSpec, s.SweepRefresh},
		{"analytics_sweep", s.config.AnalyticsSpec, s.SweepAnalytics},
	}
	for _, j := range jobs {
		if j.spec == "" {
			s.logger.Infow("Sweep disabled", "job", j.name)
			continue
		}
		name, run := j.name, j.run
		if _, err := c.AddFunc(j.spec, func() { s.runOnce(ctx, name, run) }); err != nil {
			return fmt.Errorf("invalid cron spec for %s %q: %w", name, j.spec, err)
		}
	}

	s.mu.Lock()
	s.cron = c
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Infow("Starting sweeps",
		"publish_backfill", s.config.PublishBackfillSpec,
		"refresh_sweep", s.config.RefreshSweepSpec,
		"analytics_sweep", s.config.AnalyticsSpec,
		"timezone", loc.String(),
	)
	c.Start()

	// Catch up on anything that became due while no process was running.
	s.runOnce(ctx, "publish_backfill", s.BackfillPublishTasks)

	<-ctx.Done()
	s.Stop()
	s.logger.Infow("Sweeps stopped")
	return ctx.Err()
}

// Stop halts the scheduler and waits for running sweeps to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
}

// BackfillPublishTasks makes sure every scheduled post that is due within
// the horizon has a publish task.
func (s *Sweeper) BackfillPublishTasks(ctx context.Context) (int, error) {
	return s.store.EnsurePublishTasks(ctx, s.now(), s.config.ScheduleHorizon)
}

// SweepRefresh enqueues a refresh task for every OAuth community whose
// token expires within the refresh horizon.
func (s *Sweeper) SweepRefresh(ctx context.Context) (int, error) {
	return s.store.EnqueueRefreshTasks(ctx, s.now(), s.config.RefreshHorizon)
}

// SweepAnalytics enqueues one fetch task per active community.
func (s *Sweeper) SweepAnalytics(ctx context.Context) (int, error) {
	return s.store.EnqueueAnalyticsTasks(ctx, s.now())
}

func (s *Sweeper) runOnce(parent context.Context, name string, run func(context.Context) (int, error)) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.config.RunTimeout)
	defer cancel()

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, "sweep:"+name, s.config.RunTimeout)
		switch {
		case errors.Is(err, kv.ErrLocked):
			s.logger.Debugw("Sweep running elsewhere", "job", name)
			return
		case err != nil:
			s.logger.Warnw("Sweep lock unavailable, running unlocked", "job", name, "error", err)
		default:
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warnw("Failed to release sweep lock", "job", name, "error", err)
				}
			}()
		}
	}

	start := time.Now()
	n, err := run(ctx)
	if err != nil {
		s.logger.Errorw("Sweep failed", "job", name, "error", err)
		return
	}
	if n > 0 {
		s.logger.Infow("Sweep enqueued tasks", "job", name, "count", n, "duration", time.Since(start))
		return
	}
	s.logger.Debugw("Sweep found nothing to do", "job", name)
}

func (s *Sweeper) loadLocation() *time.Location {
	if s.config.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.config.Timezone)
	if err != nil {
		s.logger.Warnw("Invalid cron timezone, using local", "timezone", s.config.Timezone, "error", err)
		return time.Local
	}
	return loc
}
