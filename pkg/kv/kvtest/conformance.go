// Package kvtest provides conformance tests for kv.Store implementations.
package kvtest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/publicboost/boost-publisher/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs every conformance case against a fresh store.
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"SetNX", testSetNX},
		{"CompareAndDelete", testCompareAndDelete},
		{"Del", testDel},
		{"Exists", testExists},
		{"TTL", testTTL},
		{"Expiry", testExpiry},
		{"IncrBy", testIncrBy},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func reset(t *testing.T, store kv.Store, keys ...string) {
	t.Helper()
	if _, err := store.Del(context.Background(), keys...); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:string"
	reset(t, store, key)

	if err := store.Set(ctx, key, []byte("hello world")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("Expected %q, got %q", "hello world", got)
	}

	if err := store.Set(ctx, key, []byte("overwritten")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, _ = store.Get(ctx, key)
	if string(got) != "overwritten" {
		t.Fatalf("Expected overwrite, got %q", got)
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:missing"
	reset(t, store, key)

	if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testSetNX(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:setnx"
	reset(t, store, key)

	ok, err := store.SetNX(ctx, key, []byte("first"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expected first SetNX to win, got ok=%v err=%v", ok, err)
	}
	ok, err = store.SetNX(ctx, key, []byte("second"), time.Minute)
	if err != nil || ok {
		t.Fatalf("Expected second SetNX to lose, got ok=%v err=%v", ok, err)
	}
	got, _ := store.Get(ctx, key)
	if string(got) != "first" {
		t.Fatalf("Expected value to stay %q, got %q", "first", got)
	}
}

func testCompareAndDelete(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:cad"
	reset(t, store, key)

	store.Set(ctx, key, []byte("owner-a"))

	ok, err := store.CompareAndDelete(ctx, key, []byte("owner-b"))
	if err != nil || ok {
		t.Fatalf("Expected mismatched delete to be refused, got ok=%v err=%v", ok, err)
	}
	if n, _ := store.Exists(ctx, key); n != 1 {
		t.Fatalf("Expected key to survive mismatched delete")
	}

	ok, err = store.CompareAndDelete(ctx, key, []byte("owner-a"))
	if err != nil || !ok {
		t.Fatalf("Expected matching delete, got ok=%v err=%v", ok, err)
	}
	if n, _ := store.Exists(ctx, key); n != 0 {
		t.Fatalf("Expected key to be gone")
	}

	ok, err = store.CompareAndDelete(ctx, key, []byte("owner-a"))
	if err != nil || ok {
		t.Fatalf("Expected delete of missing key to report false, got ok=%v err=%v", ok, err)
	}
}

func testDel(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key1, key2 := "kvtest:del1", "kvtest:del2"
	reset(t, store, key1, key2)

	store.Set(ctx, key1, []byte("a"))
	store.Set(ctx, key2, []byte("b"))

	deleted, err := store.Del(ctx, key1, "kvtest:del-missing")
	if err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 deleted, got %d", deleted)
	}
	if _, err := store.Get(ctx, key2); err != nil {
		t.Fatalf("Expected key2 to still exist, got %v", err)
	}
}

func testExists(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:exists"
	reset(t, store, key)

	if n, err := store.Exists(ctx, key); err != nil || n != 0 {
		t.Fatalf("Expected 0 for missing key, got %d (%v)", n, err)
	}
	store.Set(ctx, key, []byte("x"))
	if n, err := store.Exists(ctx, key, key); err != nil || n != 2 {
		t.Fatalf("Expected repeated key to count twice, got %d (%v)", n, err)
	}
}

func testTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:ttl"
	reset(t, store, key)

	if _, err := store.TTL(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for missing key, got %v", err)
	}

	store.Set(ctx, key, []byte("x"))
	ttl, err := store.TTL(ctx, key)
	if err != nil || ttl != -1 {
		t.Fatalf("Expected -1 for persistent key, got %v (%v)", ttl, err)
	}

	ok, err := store.Expire(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Expire failed: ok=%v err=%v", ok, err)
	}
	ttl, err = store.TTL(ctx, key)
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("Expected ttl in (0, 1m], got %v (%v)", ttl, err)
	}

	if ok, _ := store.Expire(ctx, "kvtest:ttl-missing", time.Minute); ok {
		t.Fatalf("Expected Expire on missing key to report false")
	}
}

func testExpiry(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:expiry"
	reset(t, store, key)

	if ok, err := store.SetNX(ctx, key, []byte("x"), 50*time.Millisecond); err != nil || !ok {
		t.Fatalf("SetNX failed: ok=%v err=%v", ok, err)
	}
	time.Sleep(120 * time.Millisecond)

	if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Expected key to expire, got %v", err)
	}
	if ok, err := store.SetNX(ctx, key, []byte("y"), time.Minute); err != nil || !ok {
		t.Fatalf("Expected SetNX to succeed after expiry, got ok=%v err=%v", ok, err)
	}
}

func testIncrBy(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "kvtest:counter"
	reset(t, store, key)

	v, err := store.IncrBy(ctx, key, 5)
	if err != nil || v != 5 {
		t.Fatalf("Expected 5, got %d (%v)", v, err)
	}
	v, err = store.IncrBy(ctx, key, -2)
	if err != nil || v != 3 {
		t.Fatalf("Expected 3, got %d (%v)", v, err)
	}
}

func testPing(t *testing.T, store kv.Store) {
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
