package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TaskType tags the variant stored in the shared task table.
type TaskType string

const (
	TaskPublishPost    TaskType = "publish_post"
	TaskFetchAnalytics TaskType = "fetch_analytics"
	TaskRefreshToken   TaskType = "refresh_token"
)

// TaskStatus is the claim state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Task is a deferred unit of work. PostID is set for publish tasks;
// CommunityID is set for refresh and analytics tasks, and for publish
// tasks that re-arm a single target.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	Type           TaskType   `json:"task_type"`
	PostID         *uuid.UUID `json:"post_id,omitempty"`
	CommunityID    *uuid.UUID `json:"community_id,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Status         TaskStatus `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewPublishTask builds a pending publish task. A nil community covers
// every target of the post.
func NewPublishTask(postID uuid.UUID, communityID *uuid.UUID, at time.Time) Task {
	pid := postID
	return Task{
		ID:          uuid.New(),
		Type:        TaskPublishPost,
		PostID:      &pid,
		CommunityID: communityID,
		ScheduledAt: at,
		Status:      TaskPending,
	}
}

// NewCommunityTask builds a pending refresh or analytics task.
func NewCommunityTask(typ TaskType, communityID uuid.UUID, at time.Time) Task {
	cid := communityID
	return Task{
		ID:          uuid.New(),
		Type:        typ,
		CommunityID: &cid,
		ScheduledAt: at,
		Status:      TaskPending,
	}
}

// AnalyticsSnapshot is a single metric sample collected for a community.
type AnalyticsSnapshot struct {
	ID          uuid.UUID         `json:"id"`
	CommunityID uuid.UUID         `json:"community_id"`
	MetricName  string            `json:"metric_name"`
	MetricValue decimal.Decimal   `json:"metric_value"`
	RecordedAt  time.Time         `json:"recorded_at"`
	Metadata    map[string]string `json:"metric_metadata,omitempty"`
}
