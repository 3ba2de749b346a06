package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// LogFunc is a structured logging hook, shaped like zap's Infow.
type LogFunc func(msg string, fields ...any)

// FailoverStore prefers primary and switches to fallback when primary
// reports ErrBackendUnavailable. While on fallback it probes primary and
// switches back once a ping succeeds. Keys written during the outage are
// not copied back.
type FailoverStore struct {
	primary       Store
	fallback      Store
	active        atomic.Value // Store
	probeInterval time.Duration
	logger        LogFunc

	mu        sync.Mutex
	probing   bool
	closed    chan struct{}
	closeOnce sync.Once
	probeStop chan struct{}
	probeDone chan struct{}
	promote   chan struct{}
}

// NewFailoverStore starts with primary active.
func NewFailoverStore(primary, fallback Store, probeInterval time.Duration, logger LogFunc) *FailoverStore {
	fs := newFailoverStore(primary, fallback, probeInterval, logger)
	fs.active.Store(primary)
	go fs.handlePromotions()
	return fs
}

// NewFailoverStoreWithFallbackActive starts on fallback and probes primary
// right away. Used when primary fails its startup check.
func NewFailoverStoreWithFallbackActive(primary, fallback Store, probeInterval time.Duration, logger LogFunc) *FailoverStore {
	fs := newFailoverStore(primary, fallback, probeInterval, logger)
	fs.active.Store(fallback)
	go fs.handlePromotions()
	fs.startProbing()
	return fs
}

func newFailoverStore(primary, fallback Store, probeInterval time.Duration, logger LogFunc) *FailoverStore {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	return &FailoverStore{
		primary:       primary,
		fallback:      fallback,
		probeInterval: probeInterval,
		logger:        logger,
		closed:        make(chan struct{}),
		promote:       make(chan struct{}, 1),
	}
}

func (fs *FailoverStore) current() Store {
	return fs.active.Load().(Store)
}

// UsingFallback reports whether requests are currently served by fallback.
func (fs *FailoverStore) UsingFallback() bool {
	return fs.current() == fs.fallback
}

func (fs *FailoverStore) demote() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.current() == fs.fallback {
		return
	}
	fs.active.Store(fs.fallback)
	fs.logger("Failing over to in-memory store", "reason", "primary_unavailable")
	fs.startProbingLocked()
}

func (fs *FailoverStore) handlePromotions() {
	for {
		select {
		case <-fs.closed:
			return
		case <-fs.promote:
			if fs.current() == fs.primary {
				continue
			}
			fs.active.Store(fs.primary)
			fs.logger("Recovered to primary store", "reason", "primary_healthy")
			fs.stopProbing()
		}
	}
}

func (fs *FailoverStore) startProbing() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.startProbingLocked()
}

func (fs *FailoverStore) startProbingLocked() {
	if fs.probing {
		return
	}
	fs.probing = true
	fs.probeStop = make(chan struct{})
	fs.probeDone = make(chan struct{})
	go fs.probeLoop(fs.probeStop, fs.probeDone)
}

func (fs *FailoverStore) stopProbing() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.probing {
		return
	}
	close(fs.probeStop)
	<-fs.probeDone
	fs.probing = false
}

func (fs *FailoverStore) probeLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(fs.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fs.closed:
			return
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), fs.probeInterval/2)
			err := fs.primary.Ping(ctx)
			cancel()
			if err == nil {
				select {
				case fs.promote <- struct{}{}:
				default:
				}
				// keep ticking until handlePromotions stops us
			}
		}
	}
}

// do runs fn against the active store and retries once on fallback when
// primary reports itself unavailable.
func do[T any](fs *FailoverStore, fn func(Store) (T, error)) (T, error) {
	store := fs.current()
	result, err := fn(store)
	if store == fs.primary && errors.Is(err, ErrBackendUnavailable) {
		fs.demote()
		if next := fs.current(); next != store {
			return fn(next)
		}
	}
	return result, err
}

func (fs *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	_, err := do(fs, func(s Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value, ttl...)
	})
	return err
}

func (fs *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	return do(fs, func(s Store) ([]byte, error) { return s.Get(ctx, key) })
}

func (fs *FailoverStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return do(fs, func(s Store) (bool, error) { return s.SetNX(ctx, key, value, ttl) })
}

func (fs *FailoverStore) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	return do(fs, func(s Store) (bool, error) { return s.CompareAndDelete(ctx, key, expected) })
}

func (fs *FailoverStore) Del(ctx context.Context, keys ...string) (int64, error) {
	return do(fs, func(s Store) (int64, error) { return s.Del(ctx, keys...) })
}

func (fs *FailoverStore) Exists(ctx context.Context, keys ...string) (int64, error) {
	return do(fs, func(s Store) (int64, error) { return s.Exists(ctx, keys...) })
}

func (fs *FailoverStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return do(fs, func(s Store) (bool, error) { return s.Expire(ctx, key, ttl) })
}

func (fs *FailoverStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return do(fs, func(s Store) (time.Duration, error) { return s.TTL(ctx, key) })
}

func (fs *FailoverStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return do(fs, func(s Store) (int64, error) { return s.IncrBy(ctx, key, n) })
}

// Ping reports the health of whichever store is active.
func (fs *FailoverStore) Ping(ctx context.Context) error {
	return fs.current().Ping(ctx)
}

func (fs *FailoverStore) Close() error {
	fs.closeOnce.Do(func() { close(fs.closed) })
	fs.stopProbing()

	var errs []error
	if err := fs.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := fs.fallback.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
