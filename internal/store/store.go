// Package store defines the durable records the publication engine works on.
// Backends live in subpackages: postgres for production, memory for tests
// and single-process development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/publicboost/boost-publisher/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned when a worker touches a task it no longer holds.
	ErrLeaseLost = errors.New("task lease lost")
	// ErrConflict is returned when a compare-and-set update loses a race.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrPostLocked is returned when a post is no longer editable.
	ErrPostLocked = errors.New("post is locked while publishing")
	// ErrInvalidTransition is returned when a status change does not apply.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ClaimRequest parameterises an atomic claim of due tasks.
type ClaimRequest struct {
	WorkerID string
	Now      time.Time
	Lease    time.Duration
	Limit    int
}

// CredentialUpdate carries rotated, already encrypted, credential fields.
type CredentialUpdate struct {
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenExpiresAt        *time.Time
}

// Tasks is the claimable work queue.
type Tasks interface {
	// ClaimDueTasks moves up to Limit pending tasks with scheduled_at <= Now
	// to claimed in one atomic operation. Concurrent callers never receive
	// the same task.
	ClaimDueTasks(ctx context.Context, req ClaimRequest) ([]domain.Task, error)
	// ReleaseExpiredLeases returns claimed tasks whose lease ended before
	// now to pending.
	ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error)
	RenewLease(ctx context.Context, taskID uuid.UUID, workerID string, until time.Time) error
	CompleteTask(ctx context.Context, taskID uuid.UUID, workerID string, status domain.TaskStatus, errMsg string) error
	EnqueueTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// EnsurePublishTasks enqueues a publish task for every scheduled post
	// due before now+horizon that has none active.
	EnsurePublishTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error)
	// EnqueueRefreshTasks enqueues a refresh task for every active
	// community whose token expires before now+horizon.
	EnqueueRefreshTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error)
	EnqueueAnalyticsTasks(ctx context.Context, now time.Time) (int, error)
}

// Posts covers the post records and their user-editable window.
type Posts interface {
	CreatePost(ctx context.Context, post *domain.Post) error
	GetPost(ctx context.Context, id uuid.UUID) (*domain.Post, error)
	// UpdateDraft replaces the content of a draft or scheduled post.
	UpdateDraft(ctx context.Context, post *domain.Post) error
	DeletePost(ctx context.Context, id uuid.UUID) error
	// SchedulePost sets scheduled_at, creates pending publications for the
	// communities and enqueues the initial publish task in one transaction.
	SchedulePost(ctx context.Context, postID uuid.UUID, at time.Time, communityIDs []uuid.UUID) error
	// StartPublishing moves a scheduled post to publishing. It is a no-op for
	// a post that is already publishing.
	StartPublishing(ctx context.Context, postID uuid.UUID) error
	SetPostStatus(ctx context.Context, postID uuid.UUID, status domain.PostStatus, errMsg string) error
}

// Publications covers the per-target state machine writes.
type Publications interface {
	ListPublications(ctx context.Context, postID uuid.UUID) ([]domain.PostPublication, error)
	GetPublication(ctx context.Context, id uuid.UUID) (*domain.PostPublication, error)
	// BeginPublishing moves pending to publishing. A non-zero staleBefore also
	// takes over a publishing row last touched before it, which a worker
	// whose lease ended left behind.
	BeginPublishing(ctx context.Context, pubID uuid.UUID, staleBefore time.Time) (bool, error)
	MarkPublished(ctx context.Context, pubID uuid.UUID, externalID string, at time.Time) error
	MarkFailed(ctx context.Context, pubID uuid.UUID, kind domain.ErrorKind, msg string) error
	// ScheduleRetry re-arms the publication as pending and enqueues task in
	// the same transaction.
	ScheduleRetry(ctx context.Context, pubID uuid.UUID, retryCount int, kind domain.ErrorKind, msg string, task domain.Task) error
}

// Communities covers connected accounts and their credential rotation.
type Communities interface {
	CreateCommunity(ctx context.Context, c *domain.Community) error
	GetCommunity(ctx context.Context, id uuid.UUID) (*domain.Community, error)
	// UpdateCredential writes rotated credentials if the stored version still
	// equals expectedVersion and returns the new version, or ErrConflict.
	UpdateCredential(ctx context.Context, id uuid.UUID, expectedVersion int64, upd CredentialUpdate) (int64, error)
	ListActiveCommunities(ctx context.Context) ([]domain.Community, error)
	TouchSync(ctx context.Context, id uuid.UUID, at time.Time) error
	SoftDeleteCommunity(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Analytics is the write side used by fetch_analytics tasks.
type Analytics interface {
	InsertSnapshots(ctx context.Context, snaps []domain.AnalyticsSnapshot) error
}

// Store is the full Target Store.
type Store interface {
	Tasks
	Posts
	Publications
	Communities
	Analytics

	Ping(ctx context.Context) error
	Close() error
}
