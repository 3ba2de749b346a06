package postgres

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/publicboost/boost-publisher/internal/domain"
)

const taskColumns = `id, task_type, post_id, community_id, scheduled_at, status, claimed_by,
	claimed_at, lease_expires_at, attempts, error_message, created_at, updated_at`

type taskRow struct {
	ID             uuid.UUID     `db:"id"`
	Type           string        `db:"task_type"`
	PostID         uuid.NullUUID `db:"post_id"`
	CommunityID    uuid.NullUUID `db:"community_id"`
	ScheduledAt    time.Time     `db:"scheduled_at"`
	Status         string        `db:"status"`
	ClaimedBy      string        `db:"claimed_by"`
	ClaimedAt      sql.NullTime  `db:"claimed_at"`
	LeaseExpiresAt sql.NullTime  `db:"lease_expires_at"`
	Attempts       int           `db:"attempts"`
	ErrorMessage   string        `db:"error_message"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

func (r taskRow) toDomain() domain.Task {
	return domain.Task{
		ID:             r.ID,
		Type:           domain.TaskType(r.Type),
		PostID:         uuidPtr(r.PostID),
		CommunityID:    uuidPtr(r.CommunityID),
		ScheduledAt:    r.ScheduledAt,
		Status:         domain.TaskStatus(r.Status),
		ClaimedBy:      r.ClaimedBy,
		ClaimedAt:      timePtr(r.ClaimedAt),
		LeaseExpiresAt: timePtr(r.LeaseExpiresAt),
		Attempts:       r.Attempts,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const postColumns = `id, user_id, content_text, image_url, image_storage_path, scheduled_at,
	status, error_message, created_at, updated_at`

type postRow struct {
	ID               uuid.UUID    `db:"id"`
	UserID           uuid.UUID    `db:"user_id"`
	ContentText      string       `db:"content_text"`
	ImageURL         string       `db:"image_url"`
	ImageStoragePath string       `db:"image_storage_path"`
	ScheduledAt      sql.NullTime `db:"scheduled_at"`
	Status           string       `db:"status"`
	ErrorMessage     string       `db:"error_message"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func (r postRow) toDomain() *domain.Post {
	return &domain.Post{
		ID:               r.ID,
		UserID:           r.UserID,
		ContentText:      r.ContentText,
		ImageURL:         r.ImageURL,
		ImageStoragePath: r.ImageStoragePath,
		ScheduledAt:      timePtr(r.ScheduledAt),
		Status:           domain.PostStatus(r.Status),
		ErrorMessage:     r.ErrorMessage,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

const publicationColumns = `id, post_id, community_id, platform, status, external_post_id,
	published_at, error_message, error_kind, retry_count, created_at, updated_at`

type publicationRow struct {
	ID             uuid.UUID      `db:"id"`
	PostID         uuid.UUID      `db:"post_id"`
	CommunityID    uuid.UUID      `db:"community_id"`
	Platform       string         `db:"platform"`
	Status         string         `db:"status"`
	ExternalPostID sql.NullString `db:"external_post_id"`
	PublishedAt    sql.NullTime   `db:"published_at"`
	ErrorMessage   string         `db:"error_message"`
	ErrorKind      string         `db:"error_kind"`
	RetryCount     int            `db:"retry_count"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r publicationRow) toDomain() domain.PostPublication {
	return domain.PostPublication{
		ID:             r.ID,
		PostID:         r.PostID,
		CommunityID:    r.CommunityID,
		Platform:       domain.Platform(r.Platform),
		Status:         domain.PublicationStatus(r.Status),
		ExternalPostID: r.ExternalPostID.String,
		PublishedAt:    timePtr(r.PublishedAt),
		ErrorMessage:   r.ErrorMessage,
		ErrorKind:      domain.ErrorKind(r.ErrorKind),
		RetryCount:     r.RetryCount,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const communityColumns = `id, user_id, platform, external_id, name, access_token_encrypted,
	refresh_token_encrypted, bot_token_encrypted, token_expires_at, credential_version,
	is_active, last_sync_at, deleted_at, created_at, updated_at`

type communityRow struct {
	ID                    uuid.UUID    `db:"id"`
	UserID                uuid.UUID    `db:"user_id"`
	Platform              string       `db:"platform"`
	ExternalID            string       `db:"external_id"`
	Name                  string       `db:"name"`
	AccessTokenEncrypted  string       `db:"access_token_encrypted"`
	RefreshTokenEncrypted string       `db:"refresh_token_encrypted"`
	BotTokenEncrypted     string       `db:"bot_token_encrypted"`
	TokenExpiresAt        sql.NullTime `db:"token_expires_at"`
	CredentialVersion     int64        `db:"credential_version"`
	IsActive              bool         `db:"is_active"`
	LastSyncAt            sql.NullTime `db:"last_sync_at"`
	DeletedAt             sql.NullTime `db:"deleted_at"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

func (r communityRow) toDomain() domain.Community {
	return domain.Community{
		ID:                    r.ID,
		UserID:                r.UserID,
		Platform:              domain.Platform(r.Platform),
		ExternalID:            r.ExternalID,
		Name:                  r.Name,
		AccessTokenEncrypted:  r.AccessTokenEncrypted,
		RefreshTokenEncrypted: r.RefreshTokenEncrypted,
		BotTokenEncrypted:     r.BotTokenEncrypted,
		TokenExpiresAt:        timePtr(r.TokenExpiresAt),
		CredentialVersion:     r.CredentialVersion,
		IsActive:              r.IsActive,
		LastSyncAt:            timePtr(r.LastSyncAt),
		DeletedAt:             timePtr(r.DeletedAt),
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
}

type snapshotRow struct {
	ID          uuid.UUID       `db:"id"`
	CommunityID uuid.UUID       `db:"community_id"`
	MetricName  string          `db:"metric_name"`
	MetricValue decimal.Decimal `db:"metric_value"`
	RecordedAt  time.Time       `db:"recorded_at"`
	Metadata    []byte          `db:"metric_metadata"`
}

func newSnapshotRow(s domain.AnalyticsSnapshot) (snapshotRow, error) {
	meta := s.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return snapshotRow{}, err
	}
	id := s.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return snapshotRow{
		ID:          id,
		CommunityID: s.CommunityID,
		MetricName:  s.MetricName,
		MetricValue: s.MetricValue,
		RecordedAt:  s.RecordedAt,
		Metadata:    raw,
	}, nil
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
