package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/publicboost/boost-publisher/internal/domain"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ReadinessDTO struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type PublicationDTO struct {
	ID             uuid.UUID                `json:"id"`
	CommunityID    uuid.UUID                `json:"community_id"`
	Platform       domain.Platform          `json:"platform"`
	Status         domain.PublicationStatus `json:"status"`
	ExternalPostID string                   `json:"external_post_id,omitempty"`
	PublishedAt    *time.Time               `json:"published_at,omitempty"`
	ErrorKind      domain.ErrorKind         `json:"error_kind,omitempty"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
	RetryCount     int                      `json:"retry_count"`
}

type PostStatusDTO struct {
	PostID       uuid.UUID         `json:"post_id"`
	Status       domain.PostStatus `json:"status"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Targets      []PublicationDTO  `json:"targets"`
}

func newPostStatusDTO(post *domain.Post, pubs []domain.PostPublication) PostStatusDTO {
	dto := PostStatusDTO{
		PostID:       post.ID,
		Status:       post.Status,
		ScheduledAt:  post.ScheduledAt,
		ErrorMessage: post.ErrorMessage,
		Targets:      make([]PublicationDTO, 0, len(pubs)),
	}
	for _, p := range pubs {
		dto.Targets = append(dto.Targets, PublicationDTO{
			ID:             p.ID,
			CommunityID:    p.CommunityID,
			Platform:       p.Platform,
			Status:         p.Status,
			ExternalPostID: p.ExternalPostID,
			PublishedAt:    p.PublishedAt,
			ErrorKind:      p.ErrorKind,
			ErrorMessage:   p.ErrorMessage,
			RetryCount:     p.RetryCount,
		})
	}
	return dto
}
