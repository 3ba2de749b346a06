// Package events carries publication outcomes to downstream consumers such
// as the analytics collaborator.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/publicboost/boost-publisher/internal/domain"
)

// DefaultChannel is the pub/sub channel outcome events are published on.
const DefaultChannel = "boost:publications"

// Event is one publication outcome.
type Event struct {
	PostID         uuid.UUID                `json:"post_id"`
	PublicationID  uuid.UUID                `json:"publication_id"`
	CommunityID    uuid.UUID                `json:"community_id"`
	Platform       domain.Platform          `json:"platform"`
	Status         domain.PublicationStatus `json:"status"`
	ErrorKind      domain.ErrorKind         `json:"error_kind,omitempty"`
	ExternalPostID string                   `json:"external_post_id,omitempty"`
	RetryCount     int                      `json:"retry_count"`
	PublishedAt    *time.Time               `json:"published_at,omitempty"`
	OccurredAt     time.Time                `json:"occurred_at"`
}

// Publisher delivers events. Delivery is best effort; a publication's
// state in the store is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
