package kv

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned by Acquire when another holder owns the key.
var ErrLocked = errors.New("lock held by another owner")

// Locker hands out expiring, owner-tagged locks on top of a Store.
type Locker struct {
	store  Store
	prefix string
}

func NewLocker(store Store, prefix string) *Locker {
	return &Locker{store: store, prefix: prefix}
}

// Lease is a held lock. It expires on its own after its ttl.
type Lease struct {
	store Store
	key   string
	token []byte
}

// Acquire takes the lock named name for ttl or returns ErrLocked.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := l.prefix + name
	token := []byte(uuid.NewString())
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lease{store: l.store, key: key, token: token}, nil
}

// Key returns the full key holding the lease.
func (l *Lease) Key() string {
	return l.key
}

// Release frees the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.store.CompareAndDelete(ctx, l.key, l.token)
	return err
}
