package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, nil)
	s.now = func() time.Time { return t0 }
	return s, mock
}

var taskColumnNames = []string{
	"id", "task_type", "post_id", "community_id", "scheduled_at", "status", "claimed_by",
	"claimed_at", "lease_expires_at", "attempts", "error_message", "created_at", "updated_at",
}

var publicationColumnNames = []string{
	"id", "post_id", "community_id", "platform", "status", "external_post_id",
	"published_at", "error_message", "error_kind", "retry_count", "created_at", "updated_at",
}

func TestClaimDueTasksUsesSkipLockedAndOrdersResult(t *testing.T) {
	s, mock := newMockStore(t)
	lease := 2 * time.Minute
	later, earlier := uuid.New(), uuid.New()
	postID := uuid.New()

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("worker-1", t0, t0.Add(lease), 5).
		WillReturnRows(sqlmock.NewRows(taskColumnNames).
			AddRow(later.String(), "publish_post", postID.String(), nil, t0, "claimed", "worker-1",
				t0, t0.Add(lease), 1, "", t0, t0).
			AddRow(earlier.String(), "refresh_token", nil, uuid.New().String(), t0.Add(-time.Minute), "claimed", "worker-1",
				t0, t0.Add(lease), 2, "", t0, t0))

	tasks, err := s.ClaimDueTasks(context.Background(), store.ClaimRequest{
		WorkerID: "worker-1", Now: t0, Lease: lease, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, earlier, tasks[0].ID)
	assert.Equal(t, domain.TaskRefreshToken, tasks[0].Type)
	assert.Nil(t, tasks[0].PostID)
	assert.Equal(t, 2, tasks[0].Attempts)

	assert.Equal(t, later, tasks[1].ID)
	require.NotNil(t, tasks[1].PostID)
	assert.Equal(t, postID, *tasks[1].PostID)
	assert.Nil(t, tasks[1].CommunityID)
	require.NotNil(t, tasks[1].LeaseExpiresAt)
	assert.Equal(t, t0.Add(lease), *tasks[1].LeaseExpiresAt)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseExpiredLeasesCountsBothBranches(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET status = 'failed'").
		WithArgs(t0, leaseExpiredMessage).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET status = 'pending'").
		WithArgs(t0, leaseExpiredMessage).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := s.ReleaseExpiredLeases(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTaskReportsLostLease(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE scheduled_tasks").
		WithArgs(id, "worker-1", "succeeded", "", t0).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CompleteTask(context.Background(), id, "worker-1", domain.TaskSucceeded, "")
	assert.ErrorIs(t, err, store.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTaskRejectsNonTerminalStatus(t *testing.T) {
	s, mock := newMockStore(t)
	err := s.CompleteTask(context.Background(), uuid.New(), "worker-1", domain.TaskPending, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueTaskConflictsWithPendingTwin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO scheduled_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.EnqueueTask(context.Background(), domain.NewPublishTask(uuid.New(), nil, t0))
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRetryRollsBackWhenTaskInsertConflicts(t *testing.T) {
	s, mock := newMockStore(t)
	pubID, postID, communityID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE post_publications").
		WithArgs(pubID, 2, "transient", "timeout", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO scheduled_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	task := domain.NewPublishTask(postID, &communityID, t0.Add(time.Minute))
	err := s.ScheduleRetry(context.Background(), pubID, 2, domain.KindTransient, "timeout", task)
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRetryOutsidePublishingIsInvalid(t *testing.T) {
	s, mock := newMockStore(t)
	pubID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE post_publications").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pubID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	task := domain.NewPublishTask(uuid.New(), nil, t0)
	err := s.ScheduleRetry(context.Background(), pubID, 1, domain.KindTransient, "x", task)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublishedIsIdempotentForSameExternalID(t *testing.T) {
	s, mock := newMockStore(t)
	pubID := uuid.New()

	mock.ExpectExec("UPDATE post_publications").
		WithArgs(pubID, "-42_7", t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM post_publications").
		WithArgs(pubID).
		WillReturnRows(sqlmock.NewRows(publicationColumnNames).
			AddRow(pubID.String(), uuid.New().String(), uuid.New().String(), "vk", "published", "-42_7",
				t0, "", "", 0, t0, t0))

	require.NoError(t, s.MarkPublished(context.Background(), pubID, "-42_7", t0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublishedRejectsDifferentExternalID(t *testing.T) {
	s, mock := newMockStore(t)
	pubID := uuid.New()

	mock.ExpectExec("UPDATE post_publications").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM post_publications").
		WithArgs(pubID).
		WillReturnRows(sqlmock.NewRows(publicationColumnNames).
			AddRow(pubID.String(), uuid.New().String(), uuid.New().String(), "vk", "published", "-42_7",
				t0, "", "", 0, t0, t0))

	err := s.MarkPublished(context.Background(), pubID, "-42_8", t0)
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginPublishingSkipsTerminalPublication(t *testing.T) {
	s, mock := newMockStore(t)
	pubID := uuid.New()

	mock.ExpectExec("UPDATE post_publications").
		WithArgs(pubID, nil, t0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(pubID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.BeginPublishing(context.Background(), pubID, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginPublishingReclaimOnlyTakesStaleRows(t *testing.T) {
	s, mock := newMockStore(t)
	pubID := uuid.New()
	cutoff := t0.Add(-2 * time.Minute)

	mock.ExpectExec(`status = 'publishing' AND updated_at < \$2`).
		WithArgs(pubID, cutoff, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.BeginPublishing(context.Background(), pubID, cutoff)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCredentialCompareAndSet(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	exp := t0.Add(24 * time.Hour)
	upd := store.CredentialUpdate{
		AccessTokenEncrypted:  "enc:v1:a",
		RefreshTokenEncrypted: "enc:v1:r",
		TokenExpiresAt:        &exp,
	}

	mock.ExpectQuery("credential_version = credential_version \\+ 1").
		WithArgs(id, int64(3), "enc:v1:a", "enc:v1:r", sqlmock.AnyArg(), t0).
		WillReturnRows(sqlmock.NewRows([]string{"credential_version"}).AddRow(int64(4)))

	version, err := s.UpdateCredential(context.Background(), id, 3, upd)
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)

	mock.ExpectQuery("credential_version = credential_version \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"credential_version"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err = s.UpdateCredential(context.Background(), id, 3, upd)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCredentialMissingCommunity(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("credential_version = credential_version \\+ 1").
		WillReturnRows(sqlmock.NewRows([]string{"credential_version"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.UpdateCredential(context.Background(), id, 1, store.CredentialUpdate{})
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPostNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("FROM posts WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetPost(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchedulePostRejectsLockedPost(t *testing.T) {
	s, mock := newMockStore(t)
	postID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(postID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "content_text", "image_url", "image_storage_path", "scheduled_at",
			"status", "error_message", "created_at", "updated_at",
		}).AddRow(postID.String(), uuid.New().String(), "hello", "", "", t0, "publishing", "", t0, t0))
	mock.ExpectRollback()

	err := s.SchedulePost(context.Background(), postID, t0.Add(time.Hour), []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, store.ErrPostLocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrefixedQualifiesColumns(t *testing.T) {
	assert.Equal(t, "t.id, t.status", prefixed("t", "id,\n\tstatus"))
}
