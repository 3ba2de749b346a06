package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

func (s *Store) ListPublications(ctx context.Context, postID uuid.UUID) ([]domain.PostPublication, error) {
	var rows []publicationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+publicationColumns+` FROM post_publications
		WHERE post_id = $1 ORDER BY created_at, id`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list publications: %w", err)
	}
	out := make([]domain.PostPublication, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) GetPublication(ctx context.Context, id uuid.UUID) (*domain.PostPublication, error) {
	var row publicationRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+publicationColumns+` FROM post_publications WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	p := row.toDomain()
	return &p, nil
}

func (s *Store) BeginPublishing(ctx context.Context, pubID uuid.UUID, staleBefore time.Time) (bool, error) {
	var cutoff any
	if !staleBefore.IsZero() {
		cutoff = staleBefore
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE post_publications SET status = 'publishing', updated_at = $3
		WHERE id = $1 AND (status = 'pending' OR (status = 'publishing' AND updated_at < $2::timestamptz))`,
		pubID, cutoff, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to begin publishing: %w", err)
	}
	if err := affected(res, store.ErrInvalidTransition); err != nil {
		if err := s.missingOr(ctx, s.db, "post_publications", pubID, err); !errors.Is(err, store.ErrInvalidTransition) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) MarkPublished(ctx context.Context, pubID uuid.UUID, externalID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE post_publications
		SET status = 'published', external_post_id = $2, published_at = COALESCE(published_at, $3),
			error_message = '', error_kind = '', updated_at = $4
		WHERE id = $1 AND status <> 'published'
		  AND (external_post_id IS NULL OR external_post_id = $2)`,
		pubID, externalID, at, s.now())
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	if affected(res, store.ErrConflict) == nil {
		return nil
	}

	cur, err := s.GetPublication(ctx, pubID)
	if err != nil {
		return err
	}
	if cur.ExternalPostID != "" && cur.ExternalPostID != externalID {
		return store.ErrConflict
	}
	if cur.Status == domain.PublicationPublished {
		return nil
	}
	return store.ErrConflict
}

func (s *Store) MarkFailed(ctx context.Context, pubID uuid.UUID, kind domain.ErrorKind, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE post_publications SET status = 'failed', error_kind = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status = 'publishing'`,
		pubID, string(kind), msg, s.now())
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	if err := affected(res, store.ErrInvalidTransition); err != nil {
		return s.missingOr(ctx, s.db, "post_publications", pubID, err)
	}
	return nil
}

func (s *Store) ScheduleRetry(ctx context.Context, pubID uuid.UUID, retryCount int, kind domain.ErrorKind, msg string, task domain.Task) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE post_publications
			SET status = 'pending', retry_count = $2, error_kind = $3, error_message = $4, updated_at = $5
			WHERE id = $1 AND status = 'publishing' AND retry_count <= $2`,
			pubID, retryCount, string(kind), msg, now)
		if err != nil {
			return fmt.Errorf("failed to re-arm publication: %w", err)
		}
		if err := affected(res, store.ErrInvalidTransition); err != nil {
			return s.missingOr(ctx, tx, "post_publications", pubID, err)
		}
		return insertTask(ctx, tx, task, now)
	})
}
