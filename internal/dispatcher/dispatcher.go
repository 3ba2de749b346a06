// Package dispatcher claims due tasks from the shared table and runs them.
// Any number of dispatchers may share one store; the atomic claim is the
// only coordination between them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/metrics"
	"github.com/publicboost/boost-publisher/internal/platform"
	"github.com/publicboost/boost-publisher/internal/publisher"
	"github.com/publicboost/boost-publisher/internal/store"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultLease          = 2 * time.Minute
	DefaultBatch          = 20
	DefaultRefreshHorizon = time.Hour
)

// Driver runs one publication attempt.
type Driver interface {
	Run(ctx context.Context, post *domain.Post, pub *domain.PostPublication, staleBefore time.Time) (publisher.Outcome, error)
}

// Tokens is the credential side used by refresh and analytics tasks.
type Tokens interface {
	EnsureValid(ctx context.Context, c *domain.Community) (domain.Credential, error)
	RefreshIfExpiring(ctx context.Context, c *domain.Community, horizon time.Duration) (bool, error)
}

// Stats resolves the optional statistics capability of a platform.
type Stats interface {
	StatsFetcher(p domain.Platform) (platform.StatsFetcher, bool)
}

type Config struct {
	WorkerID       string
	PollInterval   time.Duration
	Lease          time.Duration
	Batch          int
	CallTimeout    time.Duration
	RefreshHorizon time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "dispatcher-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = publisher.DefaultCallTimeout
	}
	if c.RefreshHorizon <= 0 {
		c.RefreshHorizon = DefaultRefreshHorizon
	}
	return c
}

// InFlight describes a task this worker is processing.
type InFlight struct {
	TaskID      uuid.UUID       `json:"task_id"`
	Type        domain.TaskType `json:"task_type"`
	PostID      *uuid.UUID      `json:"post_id,omitempty"`
	CommunityID *uuid.UUID      `json:"community_id,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"started_at"`
}

// Snapshot is the operator view of a dispatcher.
type Snapshot struct {
	WorkerID  string                        `json:"worker_id"`
	LastPoll  *time.Time                    `json:"last_poll,omitempty"`
	LastError string                        `json:"last_error,omitempty"`
	InFlight  []InFlight                    `json:"in_flight"`
	Pools     map[domain.Platform]PoolStats `json:"pools"`
}

type Dispatcher struct {
	cfg     Config
	store   store.Store
	driver  Driver
	tokens  Tokens
	stats   Stats
	pools   *Pools
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu        sync.Mutex
	inFlight  map[uuid.UUID]InFlight
	lastPoll  *time.Time
	lastError string

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(cfg Config, st store.Store, driver Driver, tokens Tokens, stats Stats, pools *Pools, logger *zap.SugaredLogger, opts ...Option) *Dispatcher {
	if pools == nil {
		pools = NewPools(nil)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		store:    st,
		driver:   driver,
		tokens:   tokens,
		stats:    stats,
		pools:    pools,
		logger:   logger.With("worker_id", cfg.WorkerID),
		now:      time.Now,
		inFlight: make(map[uuid.UUID]InFlight),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) WorkerID() string { return d.cfg.WorkerID }

// Start polls until ctx is cancelled or Stop is called. Tasks already
// claimed run to completion under their own timeouts.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()
	defer close(done)

	d.logger.Infow("Starting dispatcher",
		"poll_interval", d.cfg.PollInterval,
		"lease", d.cfg.Lease,
		"batch", d.cfg.Batch,
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.RunOnce(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			d.logger.Infow("Dispatcher stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop cancels the poll loop and waits for the current batch to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce polls once and processes the claimed batch. It returns the
// number of tasks claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	tasks, err := d.PollDue(ctx, d.now())
	if err != nil {
		d.setError(err)
		d.logger.Errorw("Failed to poll due tasks", "error", err)
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Batch)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			d.Process(gctx, task)
			return nil
		})
	}
	_ = g.Wait()
	return len(tasks)
}

// PollDue returns expired leases to the queue, then claims up to Batch due
// tasks for this worker.
func (d *Dispatcher) PollDue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	released, err := d.store.ReleaseExpiredLeases(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release expired leases: %w", err)
	}
	if released > 0 {
		d.metrics.RecordLeasesExpired(ctx, released)
		d.logger.Warnw("Released tasks with expired leases", "count", released)
	}

	tasks, err := d.store.ClaimDueTasks(ctx, store.ClaimRequest{
		WorkerID: d.cfg.WorkerID,
		Now:      now,
		Lease:    d.cfg.Lease,
		Limit:    d.cfg.Batch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}

	d.mu.Lock()
	d.lastPoll = &now
	d.lastError = ""
	d.mu.Unlock()

	counts := map[domain.TaskType]int{}
	for _, t := range tasks {
		counts[t.Type]++
	}
	for typ, n := range counts {
		d.metrics.RecordClaimed(ctx, string(typ), n)
	}
	if len(tasks) > 0 {
		d.logger.Debugw("Claimed due tasks", "count", len(tasks))
	}
	return tasks, nil
}

// Process runs one claimed task while renewing its lease, then records the
// result. A task whose handler hit an infrastructure error is left claimed
// so its lease expires and another worker picks it up.
func (d *Dispatcher) Process(ctx context.Context, task domain.Task) {
	logger := d.logger.With("task_id", task.ID, "task_type", task.Type, "attempts", task.Attempts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.track(task)
	defer d.untrack(task.ID)
	d.metrics.TaskStarted(ctx)
	defer d.metrics.TaskFinished(ctx)

	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		d.heartbeat(ctx, cancel, task.ID, logger)
	}()

	result, err := d.handle(ctx, task)
	cancel()
	hb.Wait()

	if err != nil {
		d.setError(err)
		logger.Errorw("Task processing failed, leaving it for lease expiry", "error", err)
		return
	}

	status, msg := domain.TaskSucceeded, ""
	if result != nil {
		status, msg = domain.TaskFailed, result.SafeMessage()
	}
	err = d.store.CompleteTask(context.WithoutCancel(ctx), task.ID, d.cfg.WorkerID, status, msg)
	switch {
	case errors.Is(err, store.ErrLeaseLost):
		logger.Warnw("Lease lost before completion, result discarded")
	case err != nil:
		logger.Errorw("Failed to complete task", "error", err)
	default:
		logger.Debugw("Task completed", "status", status)
	}
}

// heartbeat extends the lease every lease/3. Losing the lease cancels the
// task so it stops touching state another worker now owns.
func (d *Dispatcher) heartbeat(ctx context.Context, cancel context.CancelFunc, taskID uuid.UUID, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(d.cfg.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.store.RenewLease(ctx, taskID, d.cfg.WorkerID, d.now().Add(d.cfg.Lease))
			switch {
			case errors.Is(err, store.ErrLeaseLost):
				logger.Warnw("Task lease lost, cancelling")
				cancel()
				return
			case err != nil && ctx.Err() == nil:
				logger.Warnw("Failed to renew task lease", "error", err)
			}
		}
	}
}

// handle dispatches on the task variant. A non-nil *domain.Error marks the
// task failed; a plain error leaves it for lease expiry.
func (d *Dispatcher) handle(ctx context.Context, task domain.Task) (*domain.Error, error) {
	switch task.Type {
	case domain.TaskPublishPost:
		return d.publish(ctx, task)
	case domain.TaskRefreshToken:
		return d.refreshToken(ctx, task)
	case domain.TaskFetchAnalytics:
		return d.fetchAnalytics(ctx, task)
	}
	return domain.Permanent(fmt.Sprintf("unknown task type %q", task.Type), nil), nil
}

func (d *Dispatcher) track(task domain.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[task.ID] = InFlight{
		TaskID:      task.ID,
		Type:        task.Type,
		PostID:      task.PostID,
		CommunityID: task.CommunityID,
		Attempts:    task.Attempts,
		StartedAt:   d.now(),
	}
}

func (d *Dispatcher) untrack(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

func (d *Dispatcher) setError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = err.Error()
}

// Snapshot returns the current operator view.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Snapshot{
		WorkerID:  d.cfg.WorkerID,
		LastPoll:  d.lastPoll,
		LastError: d.lastError,
		InFlight:  make([]InFlight, 0, len(d.inFlight)),
		Pools:     d.pools.Stats(),
	}
	for _, f := range d.inFlight {
		s.InFlight = append(s.InFlight, f)
	}
	sort.Slice(s.InFlight, func(i, j int) bool { return s.InFlight[i].StartedAt.Before(s.InFlight[j].StartedAt) })
	return s
}
