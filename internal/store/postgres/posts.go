package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

func (s *Store) CreatePost(ctx context.Context, post *domain.Post) error {
	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	if post.Status == "" {
		post.Status = domain.PostDraft
	}
	now := s.now()
	post.CreatedAt = now
	post.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, user_id, content_text, image_url, image_storage_path, scheduled_at,
			status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		post.ID, post.UserID, post.ContentText, post.ImageURL, post.ImageStoragePath,
		nullTime(post.ScheduledAt), string(post.Status), post.ErrorMessage, now)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	var row postRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateDraft(ctx context.Context, post *domain.Post) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET content_text = $2, image_url = $3, image_storage_path = $4, updated_at = $5
		WHERE id = $1 AND status IN ('draft', 'scheduled')`,
		post.ID, post.ContentText, post.ImageURL, post.ImageStoragePath, s.now())
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	if err := affected(res, store.ErrPostLocked); err != nil {
		return s.missingOr(ctx, s.db, "posts", post.ID, err)
	}
	return nil
}

func (s *Store) DeletePost(ctx context.Context, id uuid.UUID) error {
	// publications and tasks go with the post through ON DELETE CASCADE
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM posts WHERE id = $1 AND status IN ('draft', 'scheduled')`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	if err := affected(res, store.ErrPostLocked); err != nil {
		return s.missingOr(ctx, s.db, "posts", id, err)
	}
	return nil
}

func (s *Store) SchedulePost(ctx context.Context, postID uuid.UUID, at time.Time, communityIDs []uuid.UUID) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var post postRow
		if err := tx.GetContext(ctx, &post, `SELECT `+postColumns+` FROM posts WHERE id = $1 FOR UPDATE`, postID); err != nil {
			return notFound(err)
		}
		p := post.toDomain()
		if !p.Status.Editable() {
			return store.ErrPostLocked
		}
		now := s.now()
		if err := domain.ValidateSchedule(now, at); err != nil {
			return err
		}
		if len(communityIDs) == 0 {
			return domain.ErrNoTargets
		}
		if p.Content().Empty() {
			return domain.ErrEmptyPostContent
		}

		targets := make([]domain.Community, 0, len(communityIDs))
		seen := make(map[uuid.UUID]bool, len(communityIDs))
		for _, cid := range communityIDs {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			var row communityRow
			if err := tx.GetContext(ctx, &row, `SELECT `+communityColumns+` FROM communities WHERE id = $1`, cid); err != nil {
				return notFound(err)
			}
			c := row.toDomain()
			if !c.Usable() || c.UserID != p.UserID {
				return store.ErrInvalidTransition
			}
			targets = append(targets, c)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM post_publications WHERE post_id = $1`, postID); err != nil {
			return fmt.Errorf("failed to clear publications: %w", err)
		}
		for _, c := range targets {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO post_publications (id, post_id, community_id, platform, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 'pending', $5, $5)`,
				uuid.New(), postID, c.ID, string(c.Platform), now); err != nil {
				return fmt.Errorf("failed to create publication: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM scheduled_tasks
			WHERE task_type = 'publish_post' AND post_id = $1 AND status = 'pending'`, postID); err != nil {
			return fmt.Errorf("failed to clear publish tasks: %w", err)
		}
		if err := insertTask(ctx, tx, domain.NewPublishTask(postID, nil, at), now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE posts SET scheduled_at = $2, status = 'scheduled', error_message = '', updated_at = $3
			WHERE id = $1`, postID, at, now); err != nil {
			return fmt.Errorf("failed to schedule post: %w", err)
		}
		return nil
	})
}

func (s *Store) StartPublishing(ctx context.Context, postID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = 'publishing', updated_at = $2
		WHERE id = $1 AND status IN ('scheduled', 'publishing')`, postID, s.now())
	if err != nil {
		return fmt.Errorf("failed to start publishing: %w", err)
	}
	if err := affected(res, store.ErrInvalidTransition); err != nil {
		return s.missingOr(ctx, s.db, "posts", postID, err)
	}
	return nil
}

func (s *Store) SetPostStatus(ctx context.Context, postID uuid.UUID, status domain.PostStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = $2, error_message = $3, updated_at = $4 WHERE id = $1`,
		postID, string(status), errMsg, s.now())
	if err != nil {
		return fmt.Errorf("failed to set post status: %w", err)
	}
	return affected(res, store.ErrNotFound)
}

// missingOr distinguishes a missing row from a failed status guard.
func (s *Store) missingOr(ctx context.Context, q sqlx.QueryerContext, table string, id uuid.UUID, guardErr error) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := sqlx.GetContext(ctx, q, &exists, query, id); err != nil {
		return fmt.Errorf("failed to check %s: %w", table, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return guardErr
}
