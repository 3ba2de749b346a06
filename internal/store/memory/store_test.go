package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return New(WithClock(func() time.Time { return t0 }))
}

func seedCommunity(t *testing.T, s *Store, user uuid.UUID, platform domain.Platform) *domain.Community {
	t.Helper()
	c := &domain.Community{
		UserID:     user,
		Platform:   platform,
		ExternalID: fmt.Sprintf("%s-%s", platform, uuid.NewString()[:8]),
		Name:       "community",
		IsActive:   true,
	}
	require.NoError(t, s.CreateCommunity(context.Background(), c))
	return c
}

func seedScheduledPost(t *testing.T, s *Store, at time.Time, platforms ...domain.Platform) (*domain.Post, []*domain.Community) {
	t.Helper()
	ctx := context.Background()
	user := uuid.New()
	post := &domain.Post{UserID: user, ContentText: "hello"}
	require.NoError(t, s.CreatePost(ctx, post))

	var comms []*domain.Community
	var ids []uuid.UUID
	for _, p := range platforms {
		c := seedCommunity(t, s, user, p)
		comms = append(comms, c)
		ids = append(ids, c.ID)
	}
	require.NoError(t, s.SchedulePost(ctx, post.ID, at, ids))
	return post, comms
}

func TestClaimIsExactlyOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	const tasks = 200
	for i := 0; i < tasks; i++ {
		task := domain.NewPublishTask(uuid.New(), nil, t0.Add(-time.Duration(i)*time.Second))
		require.NoError(t, s.EnqueueTask(ctx, task))
	}

	const workers = 8
	var mu sync.Mutex
	claimedBy := make(map[uuid.UUID][]string)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string, seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for {
				got, err := s.ClaimDueTasks(ctx, store.ClaimRequest{
					WorkerID: worker,
					Now:      t0,
					Lease:    time.Minute,
					Limit:    1 + r.Intn(5),
				})
				if err != nil {
					t.Error(err)
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, task := range got {
					claimedBy[task.ID] = append(claimedBy[task.ID], worker)
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w), int64(w))
	}
	wg.Wait()

	require.Len(t, claimedBy, tasks)
	for id, workers := range claimedBy {
		assert.Len(t, workers, 1, "task %s claimed by %v", id, workers)
	}
}

func TestClaimSkipsFutureTasksAndRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	require.NoError(t, s.EnqueueTask(ctx, domain.NewPublishTask(uuid.New(), nil, t0.Add(time.Hour))))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.EnqueueTask(ctx, domain.NewPublishTask(uuid.New(), nil, t0.Add(-time.Minute))))
	}

	got, err := s.ClaimDueTasks(ctx, store.ClaimRequest{WorkerID: "a", Now: t0, Lease: time.Minute, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, task := range got {
		assert.Equal(t, domain.TaskClaimed, task.Status)
		assert.Equal(t, "a", task.ClaimedBy)
		assert.Equal(t, t0.Add(time.Minute), *task.LeaseExpiresAt)
		assert.Equal(t, 1, task.Attempts)
	}

	got, err = s.ClaimDueTasks(ctx, store.ClaimRequest{WorkerID: "a", Now: t0, Lease: time.Minute, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLeaseExpiryLetsAnotherWorkerReclaim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	task := domain.NewPublishTask(uuid.New(), nil, t0)
	require.NoError(t, s.EnqueueTask(ctx, task))

	got, err := s.ClaimDueTasks(ctx, store.ClaimRequest{WorkerID: "a", Now: t0, Lease: time.Minute, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// still leased: nothing to release, nothing for b
	n, err := s.ReleaseExpiredLeases(ctx, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err = s.ClaimDueTasks(ctx, store.ClaimRequest{WorkerID: "b", Now: t0.Add(30 * time.Second), Lease: time.Minute, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, got)

	later := t0.Add(2 * time.Minute)
	n, err = s.ReleaseExpiredLeases(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.ClaimDueTasks(ctx, store.ClaimRequest{WorkerID: "b", Now: later, Lease: time.Minute, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, task.ID, got[0].ID)
	assert.Equal(t, "b", got[0].ClaimedBy)
	assert.Equal(t, 2, got[0].Attempts)

	// the original holder can no longer touch it
	assert.ErrorIs(t, s.CompleteTask(ctx, task.ID, "a", domain.TaskSucceeded, ""), store.ErrLeaseLost)
	assert.ErrorIs(t, s.RenewLease(ctx, task.ID, "a", later.Add(time.Minute)), store.ErrLeaseLost)
	require.NoError(t, s.CompleteTask(ctx, task.ID, "b", domain.TaskSucceeded, ""))
}

func TestRenewLeaseKeepsTaskClaimed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	task := domain.NewPublishTask(uuid.New(), nil, t0)
	require.NoError(t, s.EnqueueTask(ctx, task))
	_, err := s.ClaimDueTasks(ctx, store.ClaimRequest{WorkerID: "a", Now: t0, Lease: time.Minute, Limit: 1})
	require.NoError(t, err)

	require.NoError(t, s.RenewLease(ctx, task.ID, "a", t0.Add(3*time.Minute)))
	n, err := s.ReleaseExpiredLeases(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSchedulePostCreatesPublicationsAndTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	at := t0.Add(time.Hour)
	post, comms := seedScheduledPost(t, s, at, domain.PlatformVK, domain.PlatformTelegram)

	got, err := s.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostScheduled, got.Status)
	assert.Equal(t, at, *got.ScheduledAt)

	pubs, err := s.ListPublications(ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, pubs, 2)
	platforms := map[domain.Platform]bool{}
	for _, p := range pubs {
		assert.Equal(t, domain.PublicationPending, p.Status)
		platforms[p.Platform] = true
	}
	assert.True(t, platforms[domain.PlatformVK] && platforms[domain.PlatformTelegram])

	claimed, err := s.ClaimDueTasks(ctx, store.ClaimRequest{WorkerID: "a", Now: at, Lease: time.Minute, Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, post.ID, *claimed[0].PostID)
	assert.Nil(t, claimed[0].CommunityID)

	// rescheduling an editable post replaces the targets and task
	require.NoError(t, s.SchedulePost(ctx, post.ID, at.Add(time.Hour), []uuid.UUID{comms[0].ID}))
	pubs, err = s.ListPublications(ctx, post.ID)
	require.NoError(t, err)
	assert.Len(t, pubs, 1)
}

func TestSchedulePostValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	user := uuid.New()
	post := &domain.Post{UserID: user, ContentText: "x"}
	require.NoError(t, s.CreatePost(ctx, post))
	c := seedCommunity(t, s, user, domain.PlatformVK)

	assert.ErrorIs(t, s.SchedulePost(ctx, post.ID, t0.Add(-time.Minute), []uuid.UUID{c.ID}), domain.ErrScheduleInPast)
	assert.ErrorIs(t, s.SchedulePost(ctx, post.ID, t0.Add(40*24*time.Hour), []uuid.UUID{c.ID}), domain.ErrScheduleTooFar)
	assert.ErrorIs(t, s.SchedulePost(ctx, post.ID, t0.Add(time.Hour), nil), domain.ErrNoTargets)

	other := seedCommunity(t, s, uuid.New(), domain.PlatformVK)
	assert.ErrorIs(t, s.SchedulePost(ctx, post.ID, t0.Add(time.Hour), []uuid.UUID{c.ID, other.ID}), store.ErrInvalidTransition)

	// the failed attempt left nothing behind
	pubs, err := s.ListPublications(ctx, post.ID)
	require.NoError(t, err)
	assert.Empty(t, pubs)
	got, err := s.GetPost(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostDraft, got.Status)
}

func TestPostIsLockedOncePublishing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	post, _ := seedScheduledPost(t, s, t0.Add(time.Hour), domain.PlatformVK)

	post.ContentText = "edited"
	require.NoError(t, s.UpdateDraft(ctx, post))

	require.NoError(t, s.StartPublishing(ctx, post.ID))
	require.NoError(t, s.StartPublishing(ctx, post.ID))

	assert.ErrorIs(t, s.UpdateDraft(ctx, post), store.ErrPostLocked)
	assert.ErrorIs(t, s.DeletePost(ctx, post.ID), store.ErrPostLocked)
}

func TestPublicationTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	post, _ := seedScheduledPost(t, s, t0.Add(time.Hour), domain.PlatformVK)
	pubs, err := s.ListPublications(ctx, post.ID)
	require.NoError(t, err)
	pub := pubs[0]

	ok, err := s.BeginPublishing(ctx, pub.ID, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginPublishing(ctx, pub.ID, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "second driver must not begin the same publication")

	ok, err = s.BeginPublishing(ctx, pub.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok, "a publishing row touched at the cutoff is still live")

	ok, err = s.BeginPublishing(ctx, pub.ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok, "reclaim accepts a stale publishing row")

	require.NoError(t, s.MarkPublished(ctx, pub.ID, "-1_10", t0))
	require.NoError(t, s.MarkPublished(ctx, pub.ID, "-1_10", t0.Add(time.Hour)))
	assert.ErrorIs(t, s.MarkPublished(ctx, pub.ID, "-1_11", t0), store.ErrConflict)

	got, err := s.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationPublished, got.Status)
	assert.Equal(t, "-1_10", got.ExternalPostID)
	assert.Equal(t, t0, *got.PublishedAt)

	assert.ErrorIs(t, s.MarkFailed(ctx, pub.ID, domain.KindPermanent, "x"), store.ErrInvalidTransition)
}

func TestScheduleRetryIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	post, comms := seedScheduledPost(t, s, t0.Add(time.Hour), domain.PlatformVK)
	pubs, err := s.ListPublications(ctx, post.ID)
	require.NoError(t, err)
	pub := pubs[0]
	_, err = s.BeginPublishing(ctx, pub.ID, time.Time{})
	require.NoError(t, err)

	cid := comms[0].ID
	retry := domain.NewPublishTask(post.ID, &cid, t0.Add(2*time.Hour))
	require.NoError(t, s.ScheduleRetry(ctx, pub.ID, 1, domain.KindTransient, "timeout", retry))

	got, err := s.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, domain.KindTransient, got.ErrorKind)

	// a duplicate pending task for the same target rolls back the publication change
	_, err = s.BeginPublishing(ctx, pub.ID, time.Time{})
	require.NoError(t, err)
	dup := domain.NewPublishTask(post.ID, &cid, t0.Add(3*time.Hour))
	assert.ErrorIs(t, s.ScheduleRetry(ctx, pub.ID, 2, domain.KindTransient, "timeout", dup), store.ErrConflict)

	got, err = s.GetPublication(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PublicationPublishing, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestUpdateCredentialCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	c := seedCommunity(t, s, uuid.New(), domain.PlatformVK)
	require.Equal(t, int64(1), c.CredentialVersion)

	exp := t0.Add(24 * time.Hour)
	v, err := s.UpdateCredential(ctx, c.ID, 1, store.CredentialUpdate{AccessTokenEncrypted: "enc:v1:new", TokenExpiresAt: &exp})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = s.UpdateCredential(ctx, c.ID, 1, store.CredentialUpdate{AccessTokenEncrypted: "enc:v1:stale"})
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.GetCommunity(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "enc:v1:new", got.AccessTokenEncrypted)
}

func TestSweepEnqueuers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	user := uuid.New()

	expiring := seedCommunity(t, s, user, domain.PlatformVK)
	soon := t0.Add(30 * time.Minute)
	_, err := s.UpdateCredential(ctx, expiring.ID, 1, store.CredentialUpdate{
		AccessTokenEncrypted:  "enc:v1:a",
		RefreshTokenEncrypted: "enc:v1:r",
		TokenExpiresAt:        &soon,
	})
	require.NoError(t, err)
	seedCommunity(t, s, user, domain.PlatformTelegram)

	n, err := s.EnqueueRefreshTasks(ctx, t0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.EnqueueRefreshTasks(ctx, t0, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "no duplicate while one is pending")

	n, err = s.EnqueueAnalyticsTasks(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	post := &domain.Post{UserID: user, ContentText: "x", Status: domain.PostScheduled, ScheduledAt: &soon}
	require.NoError(t, s.CreatePost(ctx, post))
	n, err = s.EnsurePublishTasks(ctx, t0, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.EnsurePublishTasks(ctx, t0, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}
