package platform

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"

	"github.com/publicboost/boost-publisher/internal/domain"
)

// BreakerConfig configures the per-platform circuit breaker.
type BreakerConfig struct {
	// FailureRatio of transient failures over MinRequests that opens the circuit.
	FailureRatio float64
	MinRequests  uint
	// OpenFor is how long the circuit stays open before half-opening.
	OpenFor time.Duration
	// OnStateChange is called with the new state name.
	OnStateChange func(platform domain.Platform, to string)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	if c.OpenFor <= 0 {
		c.OpenFor = 30 * time.Second
	}
	return c
}

// Breaker decorates an adapter with a failsafe-go circuit breaker. Only
// transient failures count; a rejected post says nothing about platform
// health.
type Breaker struct {
	inner Publisher
	cb    circuitbreaker.CircuitBreaker[any]
}

func NewBreaker(inner Publisher, cfg BreakerConfig, logger *zap.SugaredLogger) *Breaker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	platform := inner.Platform()

	threshold := uint(float64(cfg.MinRequests) * cfg.FailureRatio)
	if threshold < 1 {
		threshold = 1
	}

	cb := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && domain.KindOf(err) == domain.KindTransient
		}).
		WithFailureThresholdRatio(threshold, cfg.MinRequests).
		WithDelay(cfg.OpenFor).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			to := stateName(e.NewState)
			logger.Warnw("Platform circuit breaker state change",
				"platform", platform,
				"from_state", stateName(e.OldState),
				"to_state", to,
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(platform, to)
			}
		}).
		Build()

	return &Breaker{inner: inner, cb: cb}
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

func (b *Breaker) Platform() domain.Platform { return b.inner.Platform() }

func (b *Breaker) Unwrap() Publisher { return b.inner }

// State returns closed, open or half-open.
func (b *Breaker) State() string { return stateName(b.cb.State()) }

func (b *Breaker) Publish(ctx context.Context, cred domain.Credential, target Target, content domain.Content) (string, error) {
	res, err := b.run(func() (any, error) {
		return b.inner.Publish(ctx, cred, target, content)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *Breaker) Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	rf, ok := b.inner.(Refresher)
	if !ok {
		return domain.Credential{}, domain.CredentialExpired("platform does not support token refresh", nil)
	}
	res, err := b.run(func() (any, error) {
		return rf.Refresh(ctx, cred)
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return res.(domain.Credential), nil
}

func (b *Breaker) FetchStats(ctx context.Context, cred domain.Credential, target Target) ([]Metric, error) {
	sf, ok := b.inner.(StatsFetcher)
	if !ok {
		return nil, domain.Permanent("platform does not expose statistics", nil)
	}
	res, err := b.run(func() (any, error) {
		return sf.FetchStats(ctx, cred, target)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Metric), nil
}

func (b *Breaker) run(fn func() (any, error)) (any, error) {
	res, err := failsafe.With(b.cb).Get(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, domain.Transient("circuit open", err)
	}
	return res, err
}
