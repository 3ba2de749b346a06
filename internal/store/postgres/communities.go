package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

func (s *Store) CreateCommunity(ctx context.Context, c *domain.Community) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CredentialVersion == 0 {
		c.CredentialVersion = 1
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO communities (id, user_id, platform, external_id, name, access_token_encrypted,
			refresh_token_encrypted, bot_token_encrypted, token_expires_at, credential_version,
			is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT DO NOTHING`,
		c.ID, c.UserID, string(c.Platform), c.ExternalID, c.Name, c.AccessTokenEncrypted,
		c.RefreshTokenEncrypted, c.BotTokenEncrypted, nullTime(c.TokenExpiresAt), c.CredentialVersion,
		c.IsActive, now)
	if err != nil {
		return fmt.Errorf("failed to create community: %w", err)
	}
	return affected(res, store.ErrConflict)
}

func (s *Store) GetCommunity(ctx context.Context, id uuid.UUID) (*domain.Community, error) {
	var row communityRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+communityColumns+` FROM communities WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	c := row.toDomain()
	return &c, nil
}

func (s *Store) UpdateCredential(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.CredentialUpdate) (int64, error) {
	var version int64
	err := s.db.GetContext(ctx, &version, `
		UPDATE communities
		SET access_token_encrypted = $3, refresh_token_encrypted = $4, token_expires_at = $5,
			credential_version = credential_version + 1, updated_at = $6
		WHERE id = $1 AND credential_version = $2
		RETURNING credential_version`,
		id, expectedVersion, upd.AccessTokenEncrypted, upd.RefreshTokenEncrypted,
		nullTime(upd.TokenExpiresAt), s.now())
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.missingOr(ctx, s.db, "communities", id, store.ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update credential: %w", err)
	}
	return version, nil
}

func (s *Store) ListActiveCommunities(ctx context.Context) ([]domain.Community, error) {
	var rows []communityRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+communityColumns+` FROM communities
		WHERE is_active AND deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}
	out := make([]domain.Community, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) TouchSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE communities SET last_sync_at = $2, updated_at = $3 WHERE id = $1`, id, at, s.now())
	if err != nil {
		return fmt.Errorf("failed to touch community sync: %w", err)
	}
	return affected(res, store.ErrNotFound)
}

func (s *Store) SoftDeleteCommunity(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE communities SET is_active = FALSE, deleted_at = $2, updated_at = $3 WHERE id = $1`,
		id, at, s.now())
	if err != nil {
		return fmt.Errorf("failed to delete community: %w", err)
	}
	return affected(res, store.ErrNotFound)
}

func (s *Store) InsertSnapshots(ctx context.Context, snaps []domain.AnalyticsSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([]snapshotRow, 0, len(snaps))
	for _, snap := range snaps {
		row, err := newSnapshotRow(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
		}
		rows = append(rows, row)
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO analytics_snapshots (id, community_id, metric_name, metric_value, recorded_at, metric_metadata)
			VALUES (:id, :community_id, :metric_name, :metric_value, :recorded_at, :metric_metadata)`, rows)
		if err != nil {
			return fmt.Errorf("failed to insert snapshots: %w", err)
		}
		return nil
	})
}
