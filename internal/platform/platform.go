// Package platform defines the adapter contract every external network
// implements, plus the registry and circuit breaker the dispatcher uses to
// reach them.
package platform

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/publicboost/boost-publisher/internal/domain"
)

// Target identifies the community a call is made for.
type Target struct {
	CommunityID uuid.UUID
	ExternalID  string
	Name        string
}

// TargetOf builds the adapter view of a community.
func TargetOf(c *domain.Community) Target {
	return Target{CommunityID: c.ID, ExternalID: c.ExternalID, Name: c.Name}
}

// Metric is one analytics sample returned by a StatsFetcher.
type Metric struct {
	Name     string
	Value    decimal.Decimal
	Metadata map[string]string
}

// Publisher publishes content to one platform. Errors must be *domain.Error
// so the retry coordinator can classify them.
type Publisher interface {
	Platform() domain.Platform
	Publish(ctx context.Context, cred domain.Credential, target Target, content domain.Content) (string, error)
}

// Refresher exchanges a refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error)
}

// StatsFetcher reads community level statistics.
type StatsFetcher interface {
	FetchStats(ctx context.Context, cred domain.Credential, target Target) ([]Metric, error)
}

// unwrapper is implemented by decorators such as Breaker.
type unwrapper interface {
	Unwrap() Publisher
}

// Registry maps each platform to its adapter.
type Registry struct {
	adapters map[domain.Platform]Publisher
}

func NewRegistry(adapters ...Publisher) *Registry {
	r := &Registry{adapters: make(map[domain.Platform]Publisher, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Publisher returns the adapter for p. A missing adapter is a permanent
// failure for the target.
func (r *Registry) Publisher(p domain.Platform) (Publisher, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, domain.Permanent(fmt.Sprintf("no adapter for platform %q", p), nil)
	}
	return a, nil
}

// Refresher returns the refresh capability of p's adapter, if any.
func (r *Registry) Refresher(p domain.Platform) (Refresher, bool) {
	a, ok := r.adapters[p]
	if !ok || !supports[Refresher](a) {
		return nil, false
	}
	rf, ok := a.(Refresher)
	return rf, ok
}

// StatsFetcher returns the stats capability of p's adapter, if any.
func (r *Registry) StatsFetcher(p domain.Platform) (StatsFetcher, bool) {
	a, ok := r.adapters[p]
	if !ok || !supports[StatsFetcher](a) {
		return nil, false
	}
	sf, ok := a.(StatsFetcher)
	return sf, ok
}

// Platforms lists the registered platforms.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.adapters))
	for _, p := range domain.Platforms {
		if _, ok := r.adapters[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// supports reports whether the innermost adapter implements T.
func supports[T any](a Publisher) bool {
	for {
		u, ok := a.(unwrapper)
		if !ok {
			break
		}
		a = u.Unwrap()
	}
	_, ok := a.(T)
	return ok
}
