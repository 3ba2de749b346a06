package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostStatus is the aggregate delivery status of a post.
type PostStatus string

const (
	PostDraft              PostStatus = "draft"
	PostScheduled          PostStatus = "scheduled"
	PostPublishing         PostStatus = "publishing"
	PostPublished          PostStatus = "published"
	PostPartiallyPublished PostStatus = "partially_published"
	PostFailed             PostStatus = "failed"
)

// Editable reports whether the user may still change or delete the post.
func (s PostStatus) Editable() bool {
	return s == PostDraft || s == PostScheduled
}

// PublicationStatus is the state of one (post, community) delivery.
type PublicationStatus string

const (
	PublicationPending    PublicationStatus = "pending"
	PublicationPublishing PublicationStatus = "publishing"
	PublicationPublished  PublicationStatus = "published"
	PublicationFailed     PublicationStatus = "failed"
)

// Terminal reports whether no further transition happens without a retry grant.
func (s PublicationStatus) Terminal() bool {
	return s == PublicationPublished || s == PublicationFailed
}

// MaxScheduleAhead bounds how far in the future a post can be scheduled.
const MaxScheduleAhead = 30 * 24 * time.Hour

var (
	ErrScheduleInPast   = errors.New("scheduled time must be in the future")
	ErrScheduleTooFar   = errors.New("scheduled time cannot be more than 30 days ahead")
	ErrNoTargets        = errors.New("post must target at least one community")
	ErrEmptyPostContent = errors.New("post must have text or an image")
)

// Post is a unit of content a user wants published.
type Post struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	ContentText      string     `json:"content_text"`
	ImageURL         string     `json:"image_url,omitempty"`
	ImageStoragePath string     `json:"image_storage_path,omitempty"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	Status           PostStatus `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Content is what adapters receive for publishing.
func (p *Post) Content() Content {
	return Content{Text: p.ContentText, ImageURL: p.ImageURL}
}

// Content is the post payload handed to a platform adapter.
type Content struct {
	Text     string
	ImageURL string
}

// Empty reports whether there is nothing to publish.
func (c Content) Empty() bool {
	return c.Text == "" && c.ImageURL == ""
}

// PostPublication is the fan-out unit of a post to one community.
type PostPublication struct {
	ID             uuid.UUID         `json:"id"`
	PostID         uuid.UUID         `json:"post_id"`
	CommunityID    uuid.UUID         `json:"community_id"`
	Platform       Platform          `json:"platform"`
	Status         PublicationStatus `json:"status"`
	ExternalPostID string            `json:"external_post_id,omitempty"`
	PublishedAt    *time.Time        `json:"published_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ErrorKind      ErrorKind         `json:"error_kind,omitempty"`
	RetryCount     int               `json:"retry_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ValidateSchedule checks that at lies in (now, now+30d].
func ValidateSchedule(now, at time.Time) error {
	if !at.After(now) {
		return ErrScheduleInPast
	}
	if at.Sub(now) > MaxScheduleAhead {
		return ErrScheduleTooFar
	}
	return nil
}
