// Package publisher drives one post publication through
// pending -> publishing -> published | failed.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/events"
	"github.com/publicboost/boost-publisher/internal/metrics"
	"github.com/publicboost/boost-publisher/internal/platform"
	"github.com/publicboost/boost-publisher/internal/retry"
	"github.com/publicboost/boost-publisher/internal/store"
)

const DefaultCallTimeout = 30 * time.Second

// Store is the part of the target store the driver writes to.
type Store interface {
	store.Publications
	GetCommunity(ctx context.Context, id uuid.UUID) (*domain.Community, error)
}

// Credentials hands out usable credentials for a community.
type Credentials interface {
	EnsureValid(ctx context.Context, c *domain.Community) (domain.Credential, error)
}

// Adapters resolves the publisher for a platform.
type Adapters interface {
	Publisher(p domain.Platform) (platform.Publisher, error)
}

// Outcome is what a single Run did to its publication.
type Outcome struct {
	PublicationID uuid.UUID
	Platform      domain.Platform
	Status        domain.PublicationStatus
	ExternalID    string
	Kind          domain.ErrorKind
	// Skipped is set when another worker owns the publication.
	Skipped bool
	// Idempotent is set when the publication already had an external id.
	Idempotent bool
	Retry      bool
	RetryAt    time.Time
}

type Config struct {
	CallTimeout time.Duration
	Retry       retry.Policy
}

type Driver struct {
	store    Store
	tokens   Credentials
	adapters Adapters
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger

	policy      retry.Policy
	callTimeout time.Duration
	now         func() time.Time
}

// Option configures a Driver.
type Option func(*Driver)

func WithEvents(p events.Publisher) Option {
	return func(d *Driver) { d.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

func NewDriver(st Store, tokens Credentials, adapters Adapters, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Driver {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &Driver{
		store:       st,
		tokens:      tokens,
		adapters:    adapters,
		events:      events.Nop{},
		logger:      logger,
		policy:      cfg.Retry,
		callTimeout: cfg.CallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run makes one delivery attempt for pub. A non-zero staleBefore lets it
// take over a publication left in publishing before that instant by a
// worker whose lease expired. The
// returned error is only set when the outcome could not be persisted.
func (d *Driver) Run(ctx context.Context, post *domain.Post, pub *domain.PostPublication, staleBefore time.Time) (Outcome, error) {
	out := Outcome{PublicationID: pub.ID, Platform: pub.Platform, Status: pub.Status}
	logger := d.logger.With(
		"post_id", post.ID,
		"publication_id", pub.ID,
		"community_id", pub.CommunityID,
		"platform", pub.Platform,
	)

	// A previous attempt already landed on the platform; never post twice.
	if pub.ExternalPostID != "" {
		at := d.now()
		if pub.PublishedAt != nil {
			at = *pub.PublishedAt
		}
		if err := d.store.MarkPublished(ctx, pub.ID, pub.ExternalPostID, at); err != nil {
			return out, fmt.Errorf("failed to confirm published publication: %w", err)
		}
		logger.Infow("Publication already delivered, skipping platform call", "external_post_id", pub.ExternalPostID)
		out.Status, out.ExternalID, out.Idempotent = domain.PublicationPublished, pub.ExternalPostID, true
		d.emit(ctx, post.ID, pub, out, &at)
		return out, nil
	}

	began, err := d.store.BeginPublishing(ctx, pub.ID, staleBefore)
	if err != nil {
		return out, fmt.Errorf("failed to begin publishing: %w", err)
	}
	if !began {
		logger.Debugw("Publication not claimable, skipping", "status", pub.Status)
		out.Skipped = true
		return out, nil
	}

	cred, community, err := d.credential(ctx, pub)
	if err != nil {
		return d.fail(ctx, logger, post, pub, err, 0)
	}

	adapter, err := d.adapters.Publisher(pub.Platform)
	if err != nil {
		return d.fail(ctx, logger, post, pub, err, 0)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	start := d.now()
	externalID, err := adapter.Publish(callCtx, cred, platform.TargetOf(community), post.Content())
	elapsed := time.Since(start)
	cancel()
	if err != nil {
		return d.fail(ctx, logger, post, pub, err, elapsed)
	}

	at := d.now()
	if err := d.store.MarkPublished(ctx, pub.ID, externalID, at); err != nil {
		// the post is live; the next attempt must not publish again
		logger.Errorw("Failed to persist published publication",
			"external_post_id", externalID,
			"error", err,
		)
		return out, fmt.Errorf("failed to mark published: %w", err)
	}

	d.metrics.RecordPublication(ctx, string(pub.Platform), string(domain.PublicationPublished), "", elapsed)
	logger.Infow("Publication delivered", "external_post_id", externalID, "duration", elapsed)

	out.Status, out.ExternalID = domain.PublicationPublished, externalID
	d.emit(ctx, post.ID, pub, out, &at)
	return out, nil
}

func (d *Driver) credential(ctx context.Context, pub *domain.PostPublication) (domain.Credential, *domain.Community, error) {
	community, err := d.store.GetCommunity(ctx, pub.CommunityID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Credential{}, nil, domain.CredentialUnavailable("community no longer exists", err)
	}
	if err != nil {
		return domain.Credential{}, nil, domain.Transient("failed to load community", err)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	cred, err := d.tokens.EnsureValid(refreshCtx, community)
	if err != nil {
		return domain.Credential{}, nil, err
	}
	return cred, community, nil
}

// fail classifies err and either re-arms the publication or marks it
// failed. Credential failures never consume the retry budget.
func (d *Driver) fail(ctx context.Context, logger *zap.SugaredLogger, post *domain.Post, pub *domain.PostPublication, cause error, elapsed time.Duration) (Outcome, error) {
	de := domain.Classify(cause)
	msg := de.SafeMessage()
	out := Outcome{PublicationID: pub.ID, Platform: pub.Platform, Kind: de.Kind}
	logger = logger.With("error_kind", de.Kind, "error", cause)

	decision := d.policy.Decide(de.Kind, pub.RetryCount, de.RetryAfter)
	if decision.Retry {
		at := d.now().Add(decision.Delay)
		task := domain.NewPublishTask(post.ID, &pub.CommunityID, at)
		if err := d.store.ScheduleRetry(ctx, pub.ID, decision.RetryCount, de.Kind, msg, task); err != nil {
			return out, fmt.Errorf("failed to schedule retry: %w", err)
		}
		d.metrics.RecordRetryScheduled(ctx, string(pub.Platform))
		d.metrics.RecordPublication(ctx, string(pub.Platform), string(domain.PublicationPending), string(de.Kind), elapsed)
		logger.Warnw("Publication failed, retry scheduled",
			"retry_count", decision.RetryCount,
			"retry_at", at,
		)
		out.Status, out.Retry, out.RetryAt = domain.PublicationPending, true, at
		pub.RetryCount = decision.RetryCount
		d.emit(ctx, post.ID, pub, out, nil)
		return out, nil
	}

	if err := d.store.MarkFailed(ctx, pub.ID, de.Kind, msg); err != nil {
		return out, fmt.Errorf("failed to mark failed: %w", err)
	}
	d.metrics.RecordPublication(ctx, string(pub.Platform), string(domain.PublicationFailed), string(de.Kind), elapsed)
	logger.Warnw("Publication failed", "retry_count", pub.RetryCount)
	out.Status = domain.PublicationFailed
	d.emit(ctx, post.ID, pub, out, nil)
	return out, nil
}

func (d *Driver) emit(ctx context.Context, postID uuid.UUID, pub *domain.PostPublication, out Outcome, publishedAt *time.Time) {
	e := events.Event{
		PostID:         postID,
		PublicationID:  pub.ID,
		CommunityID:    pub.CommunityID,
		Platform:       pub.Platform,
		Status:         out.Status,
		ErrorKind:      out.Kind,
		ExternalPostID: out.ExternalID,
		RetryCount:     pub.RetryCount,
		PublishedAt:    publishedAt,
		OccurredAt:     d.now(),
	}
	if err := d.events.Publish(ctx, e); err != nil {
		d.logger.Warnw("Failed to publish outcome event", "publication_id", pub.ID, "error", err)
	}
}
