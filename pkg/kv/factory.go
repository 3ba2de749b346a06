package kv

import (
	"context"
	"fmt"
	"time"
)

// Backend represents the storage backend type
type Backend string

const (
	// BackendMemory uses the in-memory store
	BackendMemory Backend = "memory"
	// BackendRedis uses Redis as the backend
	BackendRedis Backend = "redis"
)

// Config holds configuration for creating a Store instance
type Config struct {
	Backend Backend

	// RedisURL is required for the redis backend.
	// Format: redis://localhost:6379/0 or redis://:password@localhost:6379/1
	RedisURL string

	// JanitorInterval controls how often the in-memory store evicts expired
	// keys. Zero disables background eviction; reads still honour TTLs.
	JanitorInterval time.Duration

	// FailoverEnabled wraps redis in a FailoverStore that falls back to
	// memory while redis is unreachable.
	FailoverEnabled bool

	// ProbeInterval controls how often redis is probed after a failover.
	ProbeInterval time.Duration

	// StartupProbeTimeout bounds the initial redis health check.
	StartupProbeTimeout time.Duration

	Logger LogFunc
}

// StoreFactory defines a function that creates a Store instance
type StoreFactory func(cfg Config) (Store, error)

var factories = make(map[Backend]StoreFactory)

// RegisterBackend registers a store factory for a given backend
func RegisterBackend(backend Backend, factory StoreFactory) {
	factories[backend] = factory
}

// NewStoreFromConfig creates a Store for cfg.Backend.
func NewStoreFromConfig(cfg Config) (Store, error) {
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.StartupProbeTimeout == 0 {
		cfg.StartupProbeTimeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = func(string, ...any) {}
	}

	switch cfg.Backend {
	case BackendMemory:
		factory, ok := factories[BackendMemory]
		if !ok {
			return nil, fmt.Errorf("memory backend not registered")
		}
		return factory(cfg)
	case BackendRedis:
		return newRedisWithFailover(cfg)
	default:
		return nil, fmt.Errorf("unsupported backend: %s (supported: %s, %s)",
			cfg.Backend, BackendMemory, BackendRedis)
	}
}

func newRedisWithFailover(cfg Config) (Store, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required when backend is 'redis'")
	}
	redisFactory, ok := factories[BackendRedis]
	if !ok {
		return nil, fmt.Errorf("redis backend not registered")
	}

	if !cfg.FailoverEnabled {
		return redisFactory(cfg)
	}

	memoryFactory, ok := factories[BackendMemory]
	if !ok {
		return nil, fmt.Errorf("memory backend not registered")
	}
	fallback, err := memoryFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory store for failover: %w", err)
	}

	primary, err := redisFactory(cfg)
	if err != nil {
		cfg.Logger("Redis unavailable at startup; using in-memory store", "error", err.Error())
		return fallback, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupProbeTimeout)
	defer cancel()
	if err := primary.Ping(ctx); err != nil {
		cfg.Logger("Redis unhealthy at startup; using in-memory store until it recovers", "error", err.Error())
		return NewFailoverStoreWithFallbackActive(primary, fallback, cfg.ProbeInterval, cfg.Logger), nil
	}

	cfg.Logger("Redis healthy at startup; using Redis with in-memory failover")
	return NewFailoverStore(primary, fallback, cfg.ProbeInterval, cfg.Logger), nil
}
