// Package token keeps community credentials usable: it decrypts them for a
// publish call, refreshes expiring VK tokens, and writes rotated tokens back
// with a compare-and-set on the credential version.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/publicboost/boost-publisher/internal/crypto"
	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/metrics"
	"github.com/publicboost/boost-publisher/internal/platform"
	"github.com/publicboost/boost-publisher/internal/store"
	"github.com/publicboost/boost-publisher/pkg/kv"
)

const (
	DefaultSafetyMargin = 5 * time.Minute
	DefaultCallTimeout  = 30 * time.Second

	lockWaitStep = 200 * time.Millisecond
)

// Refreshers resolves the refresh capability of a platform.
type Refreshers interface {
	Refresher(p domain.Platform) (platform.Refresher, bool)
}

type Config struct {
	SafetyMargin time.Duration
	CallTimeout  time.Duration
}

type Manager struct {
	store      store.Communities
	codec      crypto.Codec
	refreshers Refreshers
	locker     *kv.Locker
	metrics    *metrics.Metrics
	logger     *zap.SugaredLogger

	margin      time.Duration
	callTimeout time.Duration
	now         func() time.Time

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker serialises refreshes across processes. Without it only
// in-process deduplication and the version compare-and-set apply.
func WithLocker(l *kv.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(st store.Communities, codec crypto.Codec, refreshers Refreshers, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Manager {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Manager{
		store:       st,
		codec:       codec,
		refreshers:  refreshers,
		logger:      logger,
		margin:      cfg.SafetyMargin,
		callTimeout: cfg.CallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureValid returns a credential that is good for at least the safety
// margin, refreshing it first when needed.
func (m *Manager) EnsureValid(ctx context.Context, c *domain.Community) (domain.Credential, error) {
	cred, err := m.open(c)
	if err != nil {
		return domain.Credential{}, err
	}
	if !cred.ExpiresWithin(m.now(), m.margin) {
		return cred, nil
	}
	return m.refresh(ctx, c.ID, m.margin)
}

// RefreshIfExpiring refreshes the credential when it expires within
// horizon. It reports whether a refresh was attempted.
func (m *Manager) RefreshIfExpiring(ctx context.Context, c *domain.Community, horizon time.Duration) (bool, error) {
	cred, err := m.open(c)
	if err != nil {
		return false, err
	}
	if !cred.ExpiresWithin(m.now(), horizon) {
		return false, nil
	}
	_, err = m.refresh(ctx, c.ID, horizon)
	return true, err
}

// Connect stores a newly authorised community. Only ciphertext reaches the
// store.
func (m *Manager) Connect(ctx context.Context, c *domain.Community, cred domain.Credential) error {
	if !c.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	cred.Kind = c.Platform.CredentialKind()
	if err := cred.ValidateFor(c.Platform); err != nil {
		return err
	}
	if cred.Kind == domain.CredentialOAuth && cred.ExpiresAt == nil {
		exp := m.now().Add(domain.VKTokenLifetime)
		cred.ExpiresAt = &exp
	}

	var err error
	if c.AccessTokenEncrypted, err = m.codec.Encrypt(cred.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if c.RefreshTokenEncrypted, err = m.codec.Encrypt(cred.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	if c.BotTokenEncrypted, err = m.codec.Encrypt(cred.BotToken); err != nil {
		return fmt.Errorf("failed to encrypt bot token: %w", err)
	}
	if cred.Kind == domain.CredentialOAuth {
		c.TokenExpiresAt = cred.ExpiresAt
	}
	c.IsActive = true

	if err := m.store.CreateCommunity(ctx, c); err != nil {
		return fmt.Errorf("failed to create community: %w", err)
	}
	m.logger.Infow("Community connected",
		"community_id", c.ID,
		"platform", c.Platform,
		"credential", cred,
	)
	return nil
}

// open decrypts and validates the stored credential.
func (m *Manager) open(c *domain.Community) (domain.Credential, error) {
	if !c.Usable() {
		return domain.Credential{}, domain.CredentialUnavailable("community is disconnected", nil)
	}
	cred := domain.Credential{Kind: c.Platform.CredentialKind(), ExpiresAt: c.TokenExpiresAt}
	var err error
	if cred.AccessToken, err = m.codec.Decrypt(c.AccessTokenEncrypted); err != nil {
		return domain.Credential{}, domain.CredentialUnavailable("stored credential cannot be decrypted", err)
	}
	if cred.RefreshToken, err = m.codec.Decrypt(c.RefreshTokenEncrypted); err != nil {
		return domain.Credential{}, domain.CredentialUnavailable("stored credential cannot be decrypted", err)
	}
	if cred.BotToken, err = m.codec.Decrypt(c.BotTokenEncrypted); err != nil {
		return domain.Credential{}, domain.CredentialUnavailable("stored credential cannot be decrypted", err)
	}
	if err := cred.ValidateFor(c.Platform); err != nil {
		return domain.Credential{}, domain.CredentialUnavailable(err.Error(), nil)
	}
	if cred.Kind == domain.CredentialBot {
		cred.ExpiresAt = nil
	}
	return cred, nil
}

// refresh collapses concurrent refreshes of one community into one call.
// The shared call is bounded by callTimeout only, so a caller that gives up
// does not fail the others joined to it.
func (m *Manager) refresh(ctx context.Context, id uuid.UUID, margin time.Duration) (domain.Credential, error) {
	ch := m.group.DoChan(id.String(), func() (any, error) {
		return m.refreshLocked(context.WithoutCancel(ctx), id, margin)
	})
	select {
	case <-ctx.Done():
		return domain.Credential{}, domain.Transient("token refresh abandoned", ctx.Err())
	case res := <-ch:
		if res.Shared {
			m.logger.Debugw("Joined in-flight token refresh", "community_id", id)
		}
		if res.Err != nil {
			return domain.Credential{}, res.Err
		}
		return res.Val.(domain.Credential), nil
	}
}

func (m *Manager) refreshLocked(ctx context.Context, id uuid.UUID, margin time.Duration) (domain.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	lease, fresh, err := m.acquire(ctx, id, margin)
	if err != nil {
		return domain.Credential{}, err
	}
	if fresh != nil {
		return *fresh, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warnw("Failed to release refresh lock", "community_id", id, "error", err)
		}
	}()

	// another process may have rotated the token while we waited
	c, cred, err := m.load(ctx, id)
	if err != nil {
		return domain.Credential{}, err
	}
	now := m.now()
	if !cred.ExpiresWithin(now, margin) {
		return cred, nil
	}

	rf, ok := m.refreshers.Refresher(c.Platform)
	if !ok || !cred.Refreshable() {
		if cred.Expired(now) {
			m.metrics.RecordTokenRefresh(ctx, string(c.Platform), "unrefreshable")
			return domain.Credential{}, domain.CredentialExpired("token expired and cannot be refreshed", nil)
		}
		return cred, nil
	}

	rotated, err := rf.Refresh(ctx, cred)
	if err != nil {
		return domain.Credential{}, m.refreshFailed(ctx, c, err)
	}
	rotated.Kind = domain.CredentialOAuth
	if rotated.RefreshToken == "" {
		rotated.RefreshToken = cred.RefreshToken
	}

	return m.persist(ctx, c, rotated)
}

// acquire takes the cross-process refresh lock. When another holder has
// it, acquire waits and returns the credential that holder wrote, if any.
func (m *Manager) acquire(ctx context.Context, id uuid.UUID, margin time.Duration) (*kv.Lease, *domain.Credential, error) {
	if m.locker == nil {
		return nil, nil, nil
	}
	for {
		lease, err := m.locker.Acquire(ctx, "refresh:"+id.String(), m.callTimeout)
		switch {
		case err == nil:
			return lease, nil, nil
		case !errors.Is(err, kv.ErrLocked):
			m.logger.Warnw("Refresh lock unavailable, continuing without it",
				"community_id", id,
				"error", err,
			)
			return nil, nil, nil
		}

		_, cred, err := m.load(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !cred.ExpiresWithin(m.now(), margin) {
			return nil, &cred, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, domain.Transient("timed out waiting for token refresh", ctx.Err())
		case <-time.After(lockWaitStep):
		}
	}
}

func (m *Manager) load(ctx context.Context, id uuid.UUID) (*domain.Community, domain.Credential, error) {
	c, err := m.store.GetCommunity(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Credential{}, domain.CredentialUnavailable("community not found", err)
		}
		return nil, domain.Credential{}, domain.Transient("failed to load community", err)
	}
	cred, err := m.open(c)
	if err != nil {
		return nil, domain.Credential{}, err
	}
	return c, cred, nil
}

func (m *Manager) refreshFailed(ctx context.Context, c *domain.Community, err error) error {
	de := domain.Classify(err)
	logger := m.logger.With("community_id", c.ID, "platform", c.Platform, "error", err)
	if de.Kind == domain.KindTransient {
		m.metrics.RecordTokenRefresh(ctx, string(c.Platform), "transient")
		logger.Warnw("Token refresh failed, will retry")
		return de
	}
	m.metrics.RecordTokenRefresh(ctx, string(c.Platform), "expired")
	logger.Warnw("Token refresh rejected, community needs reauthorization")
	msg := de.Message
	if msg == "" {
		msg = "token refresh rejected"
	}
	return domain.CredentialExpired(msg, err)
}

// persist writes a rotated credential. Losing the compare-and-set means
// another writer rotated first; its credential is adopted.
func (m *Manager) persist(ctx context.Context, c *domain.Community, rotated domain.Credential) (domain.Credential, error) {
	upd := store.CredentialUpdate{TokenExpiresAt: rotated.ExpiresAt}
	var err error
	if upd.AccessTokenEncrypted, err = m.codec.Encrypt(rotated.AccessToken); err != nil {
		return domain.Credential{}, domain.Transient("failed to encrypt rotated token", err)
	}
	if upd.RefreshTokenEncrypted, err = m.codec.Encrypt(rotated.RefreshToken); err != nil {
		return domain.Credential{}, domain.Transient("failed to encrypt rotated token", err)
	}

	version, err := m.store.UpdateCredential(ctx, c.ID, c.CredentialVersion, upd)
	switch {
	case errors.Is(err, store.ErrConflict):
		m.metrics.RecordTokenRefresh(ctx, string(c.Platform), "conflict")
		m.logger.Warnw("Credential rotated concurrently, adopting stored version", "community_id", c.ID)
		_, stored, err := m.load(ctx, c.ID)
		if err != nil {
			return domain.Credential{}, err
		}
		return stored, nil
	case err != nil:
		m.logger.Errorw("Failed to persist rotated credential",
			"community_id", c.ID,
			"platform", c.Platform,
			"error", err,
		)
		return domain.Credential{}, domain.Transient("failed to persist rotated credential", err)
	}

	m.metrics.RecordTokenRefresh(ctx, string(c.Platform), "ok")
	m.logger.Infow("Token refreshed",
		"community_id", c.ID,
		"platform", c.Platform,
		"credential_version", version,
		"credential", rotated,
	)
	return rotated, nil
}
