package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/publicboost/boost-publisher/internal/crypto"
	"github.com/publicboost/boost-publisher/internal/domain"
	"github.com/publicboost/boost-publisher/internal/platform"
	"github.com/publicboost/boost-publisher/internal/store"
	"github.com/publicboost/boost-publisher/internal/store/memory"
	"github.com/publicboost/boost-publisher/pkg/kv"
	kvmemory "github.com/publicboost/boost-publisher/pkg/kv/memory"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeRefresher struct {
	calls atomic.Int32
	fn    func(domain.Credential) (domain.Credential, error)
	ctxFn func(context.Context, domain.Credential) (domain.Credential, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	f.calls.Add(1)
	if f.ctxFn != nil {
		return f.ctxFn(ctx, cred)
	}
	if f.fn != nil {
		return f.fn(cred)
	}
	exp := t0.Add(domain.VKTokenLifetime)
	return domain.Credential{AccessToken: "vk-access-new", RefreshToken: "vk-refresh-new", ExpiresAt: &exp}, nil
}

type refreshers map[domain.Platform]platform.Refresher

func (r refreshers) Refresher(p domain.Platform) (platform.Refresher, bool) {
	rf, ok := r[p]
	return rf, ok
}

type fixture struct {
	store   *memory.Store
	codec   crypto.Codec
	vk      *fakeRefresher
	manager *Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	codec, err := crypto.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "community-credentials")
	require.NoError(t, err)
	st := memory.New(memory.WithClock(func() time.Time { return t0 }))
	vk := &fakeRefresher{}
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	m := NewManager(st, codec, refreshers{domain.PlatformVK: vk, domain.PlatformTelegram: vk},
		Config{SafetyMargin: 5 * time.Minute, CallTimeout: 2 * time.Second}, nil, opts...)
	return &fixture{store: st, codec: codec, vk: vk, manager: m}
}

func (f *fixture) connect(t *testing.T, p domain.Platform, cred domain.Credential) *domain.Community {
	t.Helper()
	c := &domain.Community{UserID: uuid.New(), Platform: p, ExternalID: uuid.NewString()[:8], Name: "c"}
	require.NoError(t, f.manager.Connect(context.Background(), c, cred))
	stored, err := f.store.GetCommunity(context.Background(), c.ID)
	require.NoError(t, err)
	return stored
}

func vkCred(expiresIn time.Duration) domain.Credential {
	exp := t0.Add(expiresIn)
	return domain.Credential{AccessToken: "vk-access", RefreshToken: "vk-refresh", ExpiresAt: &exp}
}

func TestBotCredentialNeverRefreshes(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, domain.PlatformTelegram, domain.Credential{BotToken: "123:bot"})

	// even a stale expiry on the row must not trigger a refresh
	past := t0.Add(-time.Hour)
	c.TokenExpiresAt = &past

	cred, err := f.manager.EnsureValid(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "123:bot", cred.BotToken)
	assert.Equal(t, domain.CredentialBot, cred.Kind)
	assert.Nil(t, cred.ExpiresAt)
	assert.Zero(t, f.vk.calls.Load())

	refreshed, err := f.manager.RefreshIfExpiring(context.Background(), c, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Zero(t, f.vk.calls.Load())
}

func TestVKTokenInsideMarginIsRefreshed(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))

	cred, err := f.manager.EnsureValid(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "vk-access-new", cred.AccessToken)
	assert.EqualValues(t, 1, f.vk.calls.Load())

	stored, err := f.store.GetCommunity(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.CredentialVersion+1, stored.CredentialVersion)
	assert.True(t, crypto.IsEncrypted(stored.AccessTokenEncrypted))
	access, err := f.codec.Decrypt(stored.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "vk-access-new", access)
	refresh, err := f.codec.Decrypt(stored.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "vk-refresh-new", refresh)
	assert.Equal(t, t0.Add(domain.VKTokenLifetime), *stored.TokenExpiresAt)
}

func TestVKTokenOutsideMarginIsUsedAsIs(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, domain.PlatformVK, vkCred(time.Hour))

	cred, err := f.manager.EnsureValid(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "vk-access", cred.AccessToken)
	assert.Zero(t, f.vk.calls.Load())
}

func TestRefreshFailures(t *testing.T) {
	t.Run("rejected grant is credential expired", func(t *testing.T) {
		f := newFixture(t)
		f.vk.fn = func(domain.Credential) (domain.Credential, error) {
			return domain.Credential{}, domain.CredentialExpired("vk refresh rejected: invalid_grant", nil)
		}
		c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))

		_, err := f.manager.EnsureValid(context.Background(), c)
		assert.ErrorIs(t, err, domain.ErrCredentialExpired)

		stored, err := f.store.GetCommunity(context.Background(), c.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsActive, "communities are never deactivated automatically")
		assert.Equal(t, c.CredentialVersion, stored.CredentialVersion)
	})

	t.Run("unclassified refresher error is credential expired", func(t *testing.T) {
		f := newFixture(t)
		f.vk.fn = func(domain.Credential) (domain.Credential, error) {
			return domain.Credential{}, domain.Permanent("bad client", nil)
		}
		c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))
		_, err := f.manager.EnsureValid(context.Background(), c)
		assert.ErrorIs(t, err, domain.ErrCredentialExpired)
	})

	t.Run("transient failure stays transient", func(t *testing.T) {
		f := newFixture(t)
		f.vk.fn = func(domain.Credential) (domain.Credential, error) {
			return domain.Credential{}, domain.Transient("vk oauth http 503", nil)
		}
		c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))
		_, err := f.manager.EnsureValid(context.Background(), c)
		assert.ErrorIs(t, err, domain.ErrTransient)
	})

	t.Run("refresh timeout is transient", func(t *testing.T) {
		f := newFixture(t)
		f.vk.fn = func(domain.Credential) (domain.Credential, error) {
			return domain.Credential{}, context.DeadlineExceeded
		}
		c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))
		_, err := f.manager.EnsureValid(context.Background(), c)
		assert.ErrorIs(t, err, domain.ErrTransient)
	})
}

func TestNoRefreshToken(t *testing.T) {
	f := newFixture(t)

	valid := f.connect(t, domain.PlatformVK, domain.Credential{AccessToken: "a", ExpiresAt: ptr(t0.Add(time.Minute))})
	cred, err := f.manager.EnsureValid(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, "a", cred.AccessToken)

	expired := f.connect(t, domain.PlatformVK, domain.Credential{AccessToken: "b", ExpiresAt: ptr(t0.Add(-time.Minute))})
	_, err = f.manager.EnsureValid(context.Background(), expired)
	assert.ErrorIs(t, err, domain.ErrCredentialExpired)
	assert.Zero(t, f.vk.calls.Load())
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.vk.fn = func(domain.Credential) (domain.Credential, error) {
		<-release
		exp := t0.Add(domain.VKTokenLifetime)
		return domain.Credential{AccessToken: "vk-access-new", RefreshToken: "vk-refresh-new", ExpiresAt: &exp}, nil
	}
	c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cc := *c
			cred, err := f.manager.EnsureValid(context.Background(), &cc)
			results[i], errs[i] = cred.AccessToken, err
		}(i)
	}
	require.Eventually(t, func() bool { return f.vk.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "vk-access-new", results[i])
	}
	assert.EqualValues(t, 1, f.vk.calls.Load())
}

func TestCancelledCallerDoesNotFailJoinedRefresh(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.vk.ctxFn = func(ctx context.Context, _ domain.Credential) (domain.Credential, error) {
		select {
		case <-ctx.Done():
			return domain.Credential{}, domain.Transient("refresh interrupted", ctx.Err())
		case <-release:
		}
		exp := t0.Add(domain.VKTokenLifetime)
		return domain.Credential{AccessToken: "vk-access-new", RefreshToken: "vk-refresh-new", ExpiresAt: &exp}, nil
	}
	c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))

	// the first caller starts the refresh and then loses its task
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		cc := *c
		_, err := f.manager.EnsureValid(firstCtx, &cc)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.vk.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		cred domain.Credential
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		cc := *c
		cred, err := f.manager.EnsureValid(context.Background(), &cc)
		joined <- result{cred, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.Equal(t, domain.KindTransient, domain.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(release)
	select {
	case res := <-joined:
		require.NoError(t, res.err)
		assert.Equal(t, "vk-access-new", res.cred.AccessToken)
	case <-time.After(time.Second):
		t.Fatal("joined caller did not return")
	}
	assert.EqualValues(t, 1, f.vk.calls.Load())

	stored, err := f.store.GetCommunity(context.Background(), c.ID)
	require.NoError(t, err)
	access, err := f.codec.Decrypt(stored.AccessTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "vk-access-new", access, "the shared refresh completes after its first caller is cancelled")
}

func TestCompareAndSetConflictAdoptsStoredCredential(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))

	// another process rotates the token while our refresh call is in flight
	f.vk.fn = func(domain.Credential) (domain.Credential, error) {
		other, err := f.codec.Encrypt("vk-access-other")
		require.NoError(t, err)
		exp := t0.Add(12 * time.Hour)
		_, err = f.store.UpdateCredential(context.Background(), c.ID, c.CredentialVersion, store.CredentialUpdate{
			AccessTokenEncrypted:  other,
			RefreshTokenEncrypted: c.RefreshTokenEncrypted,
			TokenExpiresAt:        &exp,
		})
		require.NoError(t, err)
		exp2 := t0.Add(domain.VKTokenLifetime)
		return domain.Credential{AccessToken: "vk-access-mine", RefreshToken: "r", ExpiresAt: &exp2}, nil
	}

	cred, err := f.manager.EnsureValid(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "vk-access-other", cred.AccessToken)

	stored, err := f.store.GetCommunity(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.CredentialVersion+1, stored.CredentialVersion)
}

func TestLockHeldElsewhereWaitsForRotation(t *testing.T) {
	kvs := kvmemory.New(0)
	defer kvs.Close()
	locker := kv.NewLocker(kvs, "boost:lock:")
	f := newFixture(t, WithLocker(locker))
	c := f.connect(t, domain.PlatformVK, vkCred(time.Minute))

	held, err := locker.Acquire(context.Background(), "refresh:"+c.ID.String(), time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		enc, _ := f.codec.Encrypt("vk-access-peer")
		exp := t0.Add(domain.VKTokenLifetime)
		_, _ = f.store.UpdateCredential(context.Background(), c.ID, c.CredentialVersion, store.CredentialUpdate{
			AccessTokenEncrypted:  enc,
			RefreshTokenEncrypted: c.RefreshTokenEncrypted,
			TokenExpiresAt:        &exp,
		})
		_ = held.Release(context.Background())
	}()

	cred, err := f.manager.EnsureValid(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "vk-access-peer", cred.AccessToken)
	assert.Zero(t, f.vk.calls.Load())
}

func TestConnect(t *testing.T) {
	f := newFixture(t)

	vk := f.connect(t, domain.PlatformVK, domain.Credential{AccessToken: "vk-access", RefreshToken: "vk-refresh"})
	assert.True(t, vk.IsActive)
	assert.True(t, crypto.IsEncrypted(vk.AccessTokenEncrypted))
	assert.NotContains(t, vk.AccessTokenEncrypted, "vk-access")
	assert.Empty(t, vk.BotTokenEncrypted)
	require.NotNil(t, vk.TokenExpiresAt)
	assert.Equal(t, t0.Add(domain.VKTokenLifetime), *vk.TokenExpiresAt)

	tg := f.connect(t, domain.PlatformTelegram, domain.Credential{BotToken: "123:bot"})
	assert.Nil(t, tg.TokenExpiresAt)
	assert.Empty(t, tg.AccessTokenEncrypted)

	err := f.manager.Connect(context.Background(),
		&domain.Community{UserID: uuid.New(), Platform: domain.PlatformTelegram, ExternalID: "x"},
		domain.Credential{BotToken: "123:bot", AccessToken: "nope"})
	assert.Error(t, err)

	err = f.manager.Connect(context.Background(),
		&domain.Community{UserID: uuid.New(), Platform: domain.PlatformVK, ExternalID: "y"},
		domain.Credential{BotToken: "123:bot"})
	assert.Error(t, err)
}

func TestUndecryptableCredentialIsUnavailable(t *testing.T) {
	f := newFixture(t)
	c := &domain.Community{
		UserID:               uuid.New(),
		Platform:             domain.PlatformVK,
		ExternalID:           "1",
		AccessTokenEncrypted: "plaintext-token",
		IsActive:             true,
	}
	require.NoError(t, f.store.CreateCommunity(context.Background(), c))

	_, err := f.manager.EnsureValid(context.Background(), c)
	assert.ErrorIs(t, err, domain.ErrCredentialUnavailable)
}

func ptr(t time.Time) *time.Time { return &t }
