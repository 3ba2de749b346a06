// Package kv is a small key-value abstraction over Redis with an in-memory
// twin for development and tests.
//
// The publisher uses it for coordination state that must be shared between
// processes but is safe to lose: refresh lease locks, rate-limit windows
// and short-lived read caches. Nothing stored here is a source of truth;
// the database is.
//
//	store, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendMemory})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	lock := kv.NewLocker(store, "boost:lock:")
//	lease, err := lock.Acquire(ctx, "refresh:"+communityID, 30*time.Second)
//	if errors.Is(err, kv.ErrLocked) {
//		// someone else holds it
//	}
//	defer lease.Release(ctx)
//
// Importing the memory and redis subpackages registers their backends.
package kv
