// Package memory is an in-process store.Store. A single mutex serialises
// every operation, which gives ClaimDueTasks the same exactly-once
// guarantee the postgres backend gets from SKIP LOCKED, but only within one
// process.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/store"
)

// ErrClosed is returned by Ping after Close.
var ErrClosed = errors.New("memory store closed")

// Store implements store.Store in memory.
type Store struct {
	mu sync.Mutex

	posts       map[uuid.UUID]*domain.Post
	pubs        map[uuid.UUID]*domain.PostPublication
	communities map[uuid.UUID]*domain.Community
	tasks       map[uuid.UUID]*domain.Task
	snapshots   []domain.AnalyticsSnapshot

	now    func() time.Time
	closed bool
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		posts:       make(map[uuid.UUID]*domain.Post),
		pubs:        make(map[uuid.UUID]*domain.PostPublication),
		communities: make(map[uuid.UUID]*domain.Community),
		tasks:       make(map[uuid.UUID]*domain.Task),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// snapshot captures every table so a failed multi-step write can be undone.
type snapshot struct {
	posts       map[uuid.UUID]domain.Post
	pubs        map[uuid.UUID]domain.PostPublication
	communities map[uuid.UUID]domain.Community
	tasks       map[uuid.UUID]domain.Task
}

// inTx runs fn under the lock and restores every table if it fails.
func (s *Store) inTx(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		posts:       make(map[uuid.UUID]domain.Post, len(s.posts)),
		pubs:        make(map[uuid.UUID]domain.PostPublication, len(s.pubs)),
		communities: make(map[uuid.UUID]domain.Community, len(s.communities)),
		tasks:       make(map[uuid.UUID]domain.Task, len(s.tasks)),
	}
	for id, p := range s.posts {
		snap.posts[id] = *p
	}
	for id, p := range s.pubs {
		snap.pubs[id] = *p
	}
	for id, c := range s.communities {
		snap.communities[id] = *c
	}
	for id, t := range s.tasks {
		snap.tasks[id] = *t
	}

	if err := fn(); err != nil {
		s.posts = make(map[uuid.UUID]*domain.Post, len(snap.posts))
		for id, p := range snap.posts {
			p := p
			s.posts[id] = &p
		}
		s.pubs = make(map[uuid.UUID]*domain.PostPublication, len(snap.pubs))
		for id, p := range snap.pubs {
			p := p
			s.pubs[id] = &p
		}
		s.communities = make(map[uuid.UUID]*domain.Community, len(snap.communities))
		for id, c := range snap.communities {
			c := c
			s.communities[id] = &c
		}
		s.tasks = make(map[uuid.UUID]*domain.Task, len(snap.tasks))
		for id, t := range snap.tasks {
			t := t
			s.tasks[id] = &t
		}
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Tasks

func (s *Store) ClaimDueTasks(ctx context.Context, req store.ClaimRequest) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskPending && !t.ScheduledAt.After(req.Now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if req.Limit > 0 && len(due) > req.Limit {
		due = due[:req.Limit]
	}

	claimed := make([]domain.Task, 0, len(due))
	for _, t := range due {
		t.Status = domain.TaskClaimed
		t.ClaimedBy = req.WorkerID
		t.ClaimedAt = timePtr(req.Now)
		t.LeaseExpiresAt = timePtr(req.Now.Add(req.Lease))
		t.Attempts++
		t.UpdatedAt = req.Now
		claimed = append(claimed, *t)
	}
	return claimed, nil
}

func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if t.Status != domain.TaskClaimed || t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.Before(now) {
			continue
		}
		if s.hasTask(t.Type, t.PostID, t.CommunityID, domain.TaskPending) {
			// a newer pending task already covers this target
			t.Status = domain.TaskFailed
		} else {
			t.Status = domain.TaskPending
		}
		t.ClaimedBy = ""
		t.ClaimedAt = nil
		t.LeaseExpiresAt = nil
		t.ErrorMessage = domain.ErrClaimLeaseExpired.SafeMessage()
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) heldTask(taskID uuid.UUID, workerID string) (*domain.Task, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != domain.TaskClaimed || t.ClaimedBy != workerID {
		return nil, store.ErrLeaseLost
	}
	return t, nil
}

func (s *Store) RenewLease(ctx context.Context, taskID uuid.UUID, workerID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.heldTask(taskID, workerID)
	if err != nil {
		return err
	}
	t.LeaseExpiresAt = timePtr(until)
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID, workerID string, status domain.TaskStatus, errMsg string) error {
	if status != domain.TaskSucceeded && status != domain.TaskFailed {
		return store.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.heldTask(taskID, workerID)
	if err != nil {
		return err
	}
	t.Status = status
	t.ErrorMessage = errMsg
	t.LeaseExpiresAt = nil
	t.UpdatedAt = s.now()
	return nil
}

func sameRef(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// hasTask reports whether a task of the same type and references exists in
// one of the given statuses.
func (s *Store) hasTask(typ domain.TaskType, postID, communityID *uuid.UUID, statuses ...domain.TaskStatus) bool {
	for _, t := range s.tasks {
		if t.Type != typ || !sameRef(t.PostID, postID) || !sameRef(t.CommunityID, communityID) {
			continue
		}
		for _, st := range statuses {
			if t.Status == st {
				return true
			}
		}
	}
	return false
}

func (s *Store) insertTask(task domain.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if s.hasTask(task.Type, task.PostID, task.CommunityID, domain.TaskPending) {
		return store.ErrConflict
	}
	now := s.now()
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = &task
	return nil
}

func (s *Store) EnqueueTask(ctx context.Context, task domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTask(task)
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) EnsurePublishTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.posts {
		if p.Status != domain.PostScheduled || p.ScheduledAt == nil || p.ScheduledAt.After(now.Add(horizon)) {
			continue
		}
		if s.hasAnyPublishTask(p.ID) {
			continue
		}
		if err := s.insertTask(domain.NewPublishTask(p.ID, nil, *p.ScheduledAt)); err == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) hasAnyPublishTask(postID uuid.UUID) bool {
	for _, t := range s.tasks {
		if t.Type == domain.TaskPublishPost && t.PostID != nil && *t.PostID == postID &&
			(t.Status == domain.TaskPending || t.Status == domain.TaskClaimed) {
			return true
		}
	}
	return false
}

func (s *Store) EnqueueRefreshTasks(ctx context.Context, now time.Time, horizon time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.communities {
		if !c.Usable() || c.Platform.CredentialKind() != domain.CredentialOAuth || c.RefreshTokenEncrypted == "" {
			continue
		}
		if c.TokenExpiresAt == nil || c.TokenExpiresAt.After(now.Add(horizon)) {
			continue
		}
		id := c.ID
		if s.hasTask(domain.TaskRefreshToken, nil, &id, domain.TaskPending, domain.TaskClaimed) {
			continue
		}
		if err := s.insertTask(domain.NewCommunityTask(domain.TaskRefreshToken, c.ID, now)); err == nil {
			n++
		}
	}
	return n, nil
}

func (s *Store) EnqueueAnalyticsTasks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.communities {
		if !c.Usable() {
			continue
		}
		id := c.ID
		if s.hasTask(domain.TaskFetchAnalytics, nil, &id, domain.TaskPending, domain.TaskClaimed) {
			continue
		}
		if err := s.insertTask(domain.NewCommunityTask(domain.TaskFetchAnalytics, c.ID, now)); err == nil {
			n++
		}
	}
	return n, nil
}

// Posts

func (s *Store) CreatePost(ctx context.Context, post *domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	if post.Status == "" {
		post.Status = domain.PostDraft
	}
	now := s.now()
	post.CreatedAt = now
	post.UpdatedAt = now
	cp := *post
	s.posts[post.ID] = &cp
	return nil
}

func (s *Store) GetPost(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdateDraft(ctx context.Context, post *domain.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[post.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !p.Status.Editable() {
		return store.ErrPostLocked
	}
	p.ContentText = post.ContentText
	p.ImageURL = post.ImageURL
	p.ImageStoragePath = post.ImageStoragePath
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeletePost(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[id]
	if !ok {
		return store.ErrNotFound
	}
	if !p.Status.Editable() {
		return store.ErrPostLocked
	}
	for pid, pub := range s.pubs {
		if pub.PostID == id {
			delete(s.pubs, pid)
		}
	}
	for tid, t := range s.tasks {
		if t.PostID != nil && *t.PostID == id && t.Status == domain.TaskPending {
			delete(s.tasks, tid)
		}
	}
	delete(s.posts, id)
	return nil
}

func (s *Store) SchedulePost(ctx context.Context, postID uuid.UUID, at time.Time, communityIDs []uuid.UUID) error {
	return s.inTx(func() error {
		p, ok := s.posts[postID]
		if !ok {
			return store.ErrNotFound
		}
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
		for _, cid := range communityIDs {
			c, ok := s.communities[cid]
			if !ok {
				return store.ErrNotFound
			}
			if !c.Usable() || c.UserID != p.UserID {
				return store.ErrInvalidTransition
			}
		}

		for id, pub := range s.pubs {
			if pub.PostID == postID {
				delete(s.pubs, id)
			}
		}
		seen := make(map[uuid.UUID]bool, len(communityIDs))
		for _, cid := range communityIDs {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			pub := &domain.PostPublication{
				ID:          uuid.New(),
				PostID:      postID,
				CommunityID: cid,
				Platform:    s.communities[cid].Platform,
				Status:      domain.PublicationPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			s.pubs[pub.ID] = pub
		}

		for id, t := range s.tasks {
			if t.Type == domain.TaskPublishPost && t.PostID != nil && *t.PostID == postID && t.Status == domain.TaskPending {
				delete(s.tasks, id)
			}
		}
		if err := s.insertTask(domain.NewPublishTask(postID, nil, at)); err != nil {
			return err
		}

		p.ScheduledAt = timePtr(at)
		p.Status = domain.PostScheduled
		p.ErrorMessage = ""
		p.UpdatedAt = now
		return nil
	})
}

func (s *Store) StartPublishing(ctx context.Context, postID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[postID]
	if !ok {
		return store.ErrNotFound
	}
	switch p.Status {
	case domain.PostPublishing:
		return nil
	case domain.PostScheduled:
		p.Status = domain.PostPublishing
		p.UpdatedAt = s.now()
		return nil
	}
	return store.ErrInvalidTransition
}

func (s *Store) SetPostStatus(ctx context.Context, postID uuid.UUID, status domain.PostStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.posts[postID]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = status
	p.ErrorMessage = errMsg
	p.UpdatedAt = s.now()
	return nil
}

// Publications

func (s *Store) ListPublications(ctx context.Context, postID uuid.UUID) ([]domain.PostPublication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.PostPublication
	for _, p := range s.pubs {
		if p.PostID == postID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetPublication(ctx context.Context, id uuid.UUID) (*domain.PostPublication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pubs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) BeginPublishing(ctx context.Context, pubID uuid.UUID, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pubs[pubID]
	if !ok {
		return false, store.ErrNotFound
	}
	switch {
	case p.Status == domain.PublicationPending:
	case p.Status == domain.PublicationPublishing && p.UpdatedAt.Before(staleBefore):
	default:
		return false, nil
	}
	p.Status = domain.PublicationPublishing
	p.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) MarkPublished(ctx context.Context, pubID uuid.UUID, externalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pubs[pubID]
	if !ok {
		return store.ErrNotFound
	}
	if p.ExternalPostID != "" && p.ExternalPostID != externalID {
		return store.ErrConflict
	}
	if p.Status == domain.PublicationPublished {
		return nil
	}
	p.Status = domain.PublicationPublished
	p.ExternalPostID = externalID
	if p.PublishedAt == nil {
		p.PublishedAt = timePtr(at)
	}
	p.ErrorMessage = ""
	p.ErrorKind = ""
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, pubID uuid.UUID, kind domain.ErrorKind, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pubs[pubID]
	if !ok {
		return store.ErrNotFound
	}
	if p.Status != domain.PublicationPublishing {
		return store.ErrInvalidTransition
	}
	p.Status = domain.PublicationFailed
	p.ErrorKind = kind
	p.ErrorMessage = msg
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) ScheduleRetry(ctx context.Context, pubID uuid.UUID, retryCount int, kind domain.ErrorKind, msg string, task domain.Task) error {
	return s.inTx(func() error {
		p, ok := s.pubs[pubID]
		if !ok {
			return store.ErrNotFound
		}
		if p.Status != domain.PublicationPublishing {
			return store.ErrInvalidTransition
		}
		if retryCount < p.RetryCount {
			return store.ErrInvalidTransition
		}
		p.Status = domain.PublicationPending
		p.RetryCount = retryCount
		p.ErrorKind = kind
		p.ErrorMessage = msg
		p.UpdatedAt = s.now()
		return s.insertTask(task)
	})
}

// Communities

func (s *Store) CreateCommunity(ctx context.Context, c *domain.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	for _, existing := range s.communities {
		if existing.DeletedAt == nil && existing.UserID == c.UserID &&
			existing.Platform == c.Platform && existing.ExternalID == c.ExternalID {
			return store.ErrConflict
		}
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.CredentialVersion == 0 {
		c.CredentialVersion = 1
	}
	cp := *c
	s.communities[c.ID] = &cp
	return nil
}

func (s *Store) GetCommunity(ctx context.Context, id uuid.UUID) (*domain.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.communities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateCredential(ctx context.Context, id uuid.UUID, expectedVersion int64, upd store.CredentialUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.communities[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	if c.CredentialVersion != expectedVersion {
		return 0, store.ErrConflict
	}
	c.AccessTokenEncrypted = upd.AccessTokenEncrypted
	c.RefreshTokenEncrypted = upd.RefreshTokenEncrypted
	c.TokenExpiresAt = upd.TokenExpiresAt
	c.CredentialVersion++
	c.UpdatedAt = s.now()
	return c.CredentialVersion, nil
}

func (s *Store) ListActiveCommunities(ctx context.Context) ([]domain.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Community
	for _, c := range s.communities {
		if c.Usable() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) TouchSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.communities[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastSyncAt = timePtr(at)
	c.UpdatedAt = s.now()
	return nil
}

func (s *Store) SoftDeleteCommunity(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.communities[id]
	if !ok {
		return store.ErrNotFound
	}
	c.IsActive = false
	c.DeletedAt = timePtr(at)
	c.UpdatedAt = s.now()
	return nil
}

// Analytics

func (s *Store) InsertSnapshots(ctx context.Context, snaps []domain.AnalyticsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		if snap.ID == uuid.Nil {
			snap.ID = uuid.New()
		}
		s.snapshots = append(s.snapshots, snap)
	}
	return nil
}

// Snapshots returns every recorded analytics sample.
func (s *Store) Snapshots() []domain.AnalyticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AnalyticsSnapshot(nil), s.snapshots...)
}

// Tasks returns every task ordered by scheduled_at.
func (s *Store) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}
