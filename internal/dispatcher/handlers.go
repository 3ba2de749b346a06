package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/platform"
	"github.com/publicboost/boost-publisher/internal/store"
)

// publish runs every eligible target of the task's post and folds their
// statuses into the post status.
func (d *Dispatcher) publish(ctx context.Context, task domain.Task) (*domain.Error, error) {
	if task.PostID == nil {
		return domain.Permanent("publish task without post", nil), nil
	}
	logger := d.logger.With("task_id", task.ID, "post_id", *task.PostID)

	post, err := d.store.GetPost(ctx, *task.PostID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Permanent("post no longer exists", err), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}

	switch err := d.store.StartPublishing(ctx, post.ID); {
	case errors.Is(err, store.ErrInvalidTransition):
		logger.Infow("Post is not publishable, nothing to do", "status", post.Status)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to start publishing: %w", err)
	}
	post.Status = domain.PostPublishing

	pubs, err := d.store.ListPublications(ctx, post.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list publications: %w", err)
	}
	// A task that was claimed before belonged to a worker whose lease
	// expired. Its publishing rows are taken over once they are older than a
	// lease, which no live attempt outlasts.
	var staleBefore time.Time
	if task.Attempts > 1 {
		staleBefore = d.now().Add(-d.cfg.Lease)
	}
	targets, busy := selectTargets(pubs, task.CommunityID, staleBefore)

	var (
		mu       sync.Mutex
		infraErr error
	)
	if busy > 0 {
		infraErr = fmt.Errorf("%d targets still publishing under a recent attempt", busy)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		pub := targets[i]
		g.Go(func() error {
			err := d.pools.Do(gctx, pub.Platform, func(ctx context.Context) error {
				_, err := d.driver.Run(ctx, post, &pub, staleBefore)
				return err
			})
			if err != nil {
				// the target stays pending or publishing; the task is
				// picked up again once its lease expires
				logger.Warnw("Publication attempt incomplete", "publication_id", pub.ID, "error", err)
				mu.Lock()
				infraErr = errors.Join(infraErr, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if infraErr != nil {
		return nil, infraErr
	}

	return nil, d.aggregate(ctx, post.ID)
}

// selectTargets picks the publications a task may run. A re-arm task owns
// exactly its community. The initial task leaves every target that was
// re-armed, since a task of its own drives it. busy counts publishing rows
// the task owns but cannot take over yet.
func selectTargets(pubs []domain.PostPublication, communityID *uuid.UUID, staleBefore time.Time) (out []domain.PostPublication, busy int) {
	for _, p := range pubs {
		if communityID != nil && p.CommunityID != *communityID {
			continue
		}
		if communityID == nil && p.RetryCount > 0 {
			continue
		}
		switch {
		case p.Status == domain.PublicationPublished:
			continue
		case p.ExternalPostID != "":
			// landed on the platform but the status write was lost
		case p.Status == domain.PublicationPending:
		case p.Status == domain.PublicationPublishing && p.UpdatedAt.Before(staleBefore):
		case p.Status == domain.PublicationPublishing && !staleBefore.IsZero():
			busy++
			continue
		default:
			continue
		}
		out = append(out, p)
	}
	return out, busy
}

// aggregate recomputes the post status from its publications.
func (d *Dispatcher) aggregate(ctx context.Context, postID uuid.UUID) error {
	pubs, err := d.store.ListPublications(ctx, postID)
	if err != nil {
		return fmt.Errorf("failed to list publications: %w", err)
	}
	status := domain.AggregatePublications(pubs)
	msg := ""
	if status == domain.PostFailed || status == domain.PostPartiallyPublished {
		msg = domain.FailureSummary(pubs)
	}
	if err := d.store.SetPostStatus(ctx, postID, status, msg); err != nil {
		return fmt.Errorf("failed to set post status: %w", err)
	}
	if status != domain.PostPublishing {
		d.logger.Infow("Post publication finished", "post_id", postID, "status", status, "targets", len(pubs))
	}
	return nil
}

func (d *Dispatcher) community(ctx context.Context, task domain.Task) (*domain.Community, *domain.Error, error) {
	if task.CommunityID == nil {
		return nil, domain.Permanent(fmt.Sprintf("%s task without community", task.Type), nil), nil
	}
	c, err := d.store.GetCommunity(ctx, *task.CommunityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.CredentialUnavailable("community no longer exists", err), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load community: %w", err)
	}
	return c, nil, nil
}

// refreshToken proactively rotates a credential that expires within the
// refresh horizon. Failed refreshes are not retried here; the next sweep
// enqueues a new task.
func (d *Dispatcher) refreshToken(ctx context.Context, task domain.Task) (*domain.Error, error) {
	c, failed, err := d.community(ctx, task)
	if failed != nil || err != nil {
		return failed, err
	}
	if !c.Usable() {
		return nil, nil
	}

	var refreshed bool
	err = d.pools.Do(ctx, c.Platform, func(ctx context.Context) error {
		var err error
		refreshed, err = d.tokens.RefreshIfExpiring(ctx, c, d.cfg.RefreshHorizon)
		return err
	})
	if err != nil {
		de := domain.Classify(err)
		d.logger.Warnw("Proactive token refresh failed",
			"community_id", c.ID,
			"platform", c.Platform,
			"error_kind", de.Kind,
			"error", err,
		)
		return de, nil
	}
	if refreshed {
		d.logger.Infow("Token refreshed ahead of expiry", "community_id", c.ID, "platform", c.Platform)
	}
	return nil, nil
}

// fetchAnalytics records the platform's community statistics.
func (d *Dispatcher) fetchAnalytics(ctx context.Context, task domain.Task) (*domain.Error, error) {
	c, failed, err := d.community(ctx, task)
	if failed != nil || err != nil {
		return failed, err
	}
	if !c.Usable() {
		return nil, nil
	}
	fetcher, ok := d.stats.StatsFetcher(c.Platform)
	if !ok {
		return nil, nil
	}

	var samples []platform.Metric
	err = d.pools.Do(ctx, c.Platform, func(ctx context.Context) error {
		cred, err := d.tokens.EnsureValid(ctx, c)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
		samples, err = fetcher.FetchStats(callCtx, cred, platform.TargetOf(c))
		return err
	})
	if err != nil {
		de := domain.Classify(err)
		d.logger.Warnw("Failed to fetch community statistics",
			"community_id", c.ID,
			"platform", c.Platform,
			"error_kind", de.Kind,
			"error", err,
		)
		return de, nil
	}

	now := d.now()
	snaps := make([]domain.AnalyticsSnapshot, 0, len(samples))
	for _, m := range samples {
		snaps = append(snaps, domain.AnalyticsSnapshot{
			ID:          uuid.New(),
			CommunityID: c.ID,
			MetricName:  m.Name,
			MetricValue: m.Value.Round(2), // stored as NUMERIC(15,2)
			RecordedAt:  now,
			Metadata:    m.Metadata,
		})
	}
	if err := d.store.InsertSnapshots(ctx, snaps); err != nil {
		return nil, fmt.Errorf("failed to insert snapshots: %w", err)
	}
	if err := d.store.TouchSync(ctx, c.ID, now); err != nil {
		return nil, fmt.Errorf("failed to touch sync: %w", err)
	}
	return nil, nil
}
