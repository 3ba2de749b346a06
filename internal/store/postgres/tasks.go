package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

const leaseExpiredMessage = "claim lease expired"

func (s *Store) ClaimDueTasks(ctx context.Context, req store.ClaimRequest) ([]domain.Task, error) {
	query := `
		WITH due AS (
			SELECT id FROM scheduled_tasks
			WHERE status = 'pending' AND scheduled_at <= $2
			ORDER BY scheduled_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_tasks t
		SET status = 'claimed',
			claimed_by = $1,
			claimed_at = $2,
			lease_expires_at = $3,
			attempts = t.attempts + 1,
			updated_at = $2
		FROM due
		WHERE t.id = due.id
		RETURNING ` + prefixed("t", taskColumns)

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query,
		req.WorkerID, req.Now, req.Now.Add(req.Lease), req.Limit,
	); err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}

	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toDomain())
	}
	// RETURNING order is unspecified.
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ScheduledAt.Equal(tasks[j].ScheduledAt) {
			return tasks[i].ID.String() < tasks[j].ID.String()
		}
		return tasks[i].ScheduledAt.Before(tasks[j].ScheduledAt)
	})
	return tasks, nil
}

// ReleaseExpiredLeases returns expired claims to pending. A claim whose
// target already has a newer pending task is closed as failed instead, so
// the pending uniqueness index is never violated.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	var released int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		superseded, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks t
			SET status = 'failed', claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
				error_message = $2, updated_at = $1
			WHERE t.status = 'claimed' AND t.lease_expires_at < $1
			  AND EXISTS (
				SELECT 1 FROM scheduled_tasks p
				WHERE p.status = 'pending'
				  AND p.task_type = t.task_type
				  AND p.post_id IS NOT DISTINCT FROM t.post_id
				  AND p.community_id IS NOT DISTINCT FROM t.community_id
			  )`, now, leaseExpiredMessage)
		if err != nil {
			return fmt.Errorf("failed to close superseded leases: %w", err)
		}
		n, err := superseded.RowsAffected()
		if err != nil {
			return err
		}
		released += n

		res, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = 'pending', claimed_by = '', claimed_at = NULL, lease_expires_at = NULL,
				error_message = $2, updated_at = $1
			WHERE status = 'claimed' AND lease_expires_at < $1`, now, leaseExpiredMessage)
		if err != nil {
			return fmt.Errorf("failed to release expired leases: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		released += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.logger.Infow("Released expired task leases", "count", released)
	}
	return int(released), nil
}

func (s *Store) RenewLease(ctx context.Context, taskID uuid.UUID, workerID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET lease_expires_at = $3, updated_at = $4
		WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		taskID, workerID, until, s.now())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return affected(res, store.ErrLeaseLost)
}

func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID, workerID string, status domain.TaskStatus, errMsg string) error {
	if status != domain.TaskSucceeded && status != domain.TaskFailed {
		return store.ErrInvalidTransition
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = $3, error_message = $4, lease_expires_at = NULL, updated_at = $5
		WHERE id = $1 AND claimed_by = $2 AND status = 'claimed'`,
		taskID, workerID, string(status), errMsg, s.now())
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	return affected(res, store.ErrLeaseLost)
}

func insertTask(ctx context.Context, ex sqlx.ExecerContext, task domain.Task, now time.Time) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, task_type, post_id, community_id, scheduled_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT DO NOTHING`,
		task.ID, string(task.Type), nullUUID(task.PostID), nullUUID(task.CommunityID),
		task.ScheduledAt, string(task.Status), now)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return affected(res, store.ErrConflict)
}

func (s *Store) EnqueueTask(ctx context.Context, task domain.Task) error {
	return insertTask(ctx, s.db, task, s.now())
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	t := row.toDomain()
	return &t, nil
}

func (s *Store) EnsurePublishTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, task_type, post_id, scheduled_at, status, created_at, updated_at)
		SELECT gen_random_uuid(), 'publish_post', p.id, p.scheduled_at, 'pending', $1, $1
		FROM posts p
		WHERE p.status = 'scheduled'
		  AND p.scheduled_at IS NOT NULL
		  AND p.scheduled_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM scheduled_tasks t
			WHERE t.task_type = 'publish_post' AND t.post_id = p.id
			  AND t.status IN ('pending', 'claimed')
		  )
		ON CONFLICT DO NOTHING`, now, now.Add(horizon))
	if err != nil {
		return 0, fmt.Errorf("failed to backfill publish tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) EnqueueRefreshTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, task_type, community_id, scheduled_at, status, created_at, updated_at)
		SELECT gen_random_uuid(), 'refresh_token', c.id, $1, 'pending', $1, $1
		FROM communities c
		WHERE c.is_active AND c.deleted_at IS NULL
		  AND c.platform <> 'telegram'
		  AND c.refresh_token_encrypted <> ''
		  AND c.token_expires_at IS NOT NULL
		  AND c.token_expires_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM scheduled_tasks t
			WHERE t.task_type = 'refresh_token' AND t.community_id = c.id
			  AND t.status IN ('pending', 'claimed')
		  )
		ON CONFLICT DO NOTHING`, now, now.Add(horizon))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue refresh tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) EnqueueAnalyticsTasks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, task_type, community_id, scheduled_at, status, created_at, updated_at)
		SELECT gen_random_uuid(), 'fetch_analytics', c.id, $1, 'pending', $1, $1
		FROM communities c
		WHERE c.is_active AND c.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM scheduled_tasks t
			WHERE t.task_type = 'fetch_analytics' AND t.community_id = c.id
			  AND t.status IN ('pending', 'claimed')
		  )
		ON CONFLICT DO NOTHING`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue analytics tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
