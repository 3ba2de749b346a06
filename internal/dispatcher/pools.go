package dispatcher

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/publicboost/boost-publisher/internal/domain"
)

// PoolConfig bounds the work sent to one platform.
type PoolConfig struct {
	Concurrency int
	// Rate is calls per second; zero disables pacing.
	Rate  float64
	Burst int
}

type pool struct {
	size    int64
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	inUse   atomic.Int64
	waiting atomic.Int64
}

// Pools holds one bounded worker pool per platform. Excess work waits for
// a slot instead of being rejected.
type Pools struct {
	pools map[domain.Platform]*pool
}

func NewPools(cfg map[domain.Platform]PoolConfig) *Pools {
	p := &Pools{pools: make(map[domain.Platform]*pool, len(cfg))}
	for platform, c := range cfg {
		if c.Concurrency < 1 {
			c.Concurrency = 1
		}
		limiter := rate.NewLimiter(rate.Inf, 0)
		if c.Rate > 0 {
			burst := c.Burst
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(c.Rate), burst)
		}
		p.pools[platform] = &pool{
			size:    int64(c.Concurrency),
			sem:     semaphore.NewWeighted(int64(c.Concurrency)),
			limiter: limiter,
		}
	}
	return p
}

// Do runs fn once a slot for platform is free and the rate limiter allows
// it. Platforms without a pool run unbounded.
func (p *Pools) Do(ctx context.Context, platform domain.Platform, fn func(context.Context) error) error {
	pl, ok := p.pools[platform]
	if !ok {
		return fn(ctx)
	}

	pl.waiting.Add(1)
	err := pl.sem.Acquire(ctx, 1)
	pl.waiting.Add(-1)
	if err != nil {
		return domain.Transient("waiting for a platform slot", err)
	}
	defer pl.sem.Release(1)

	if err := pl.limiter.Wait(ctx); err != nil {
		return domain.Transient("waiting for platform rate limit", err)
	}

	pl.inUse.Add(1)
	defer pl.inUse.Add(-1)
	return fn(ctx)
}

// PoolStats is a point-in-time view of one pool.
type PoolStats struct {
	Size    int64 `json:"size"`
	InUse   int64 `json:"in_use"`
	Waiting int64 `json:"waiting"`
}

func (p *Pools) Stats() map[domain.Platform]PoolStats {
	out := make(map[domain.Platform]PoolStats, len(p.pools))
	for platform, pl := range p.pools {
		out[platform] = PoolStats{Size: pl.size, InUse: pl.inUse.Load(), Waiting: pl.waiting.Load()}
	}
	return out
}
