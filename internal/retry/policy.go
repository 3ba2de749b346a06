// Package retry decides whether and when a failed publication is re-armed.
package retry

import (
	"time"

	"github.com/publicboost/boost-publisher/internal/domain"
)

// Policy is exponential backoff with a delay cap and a retry budget.
type Policy struct {
	Base       time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultPolicy returns the defaults used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:       30 * time.Second,
		MaxDelay:   30 * time.Minute,
		MaxRetries: 5,
	}
}

// Delay returns Base * 2^retryCount, capped at MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < retryCount; i++ {
		// stop doubling once the cap is reached; this also keeps d from overflowing
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	// Delay until the re-armed task becomes due.
	Delay time.Duration
	// RetryCount is the value to persist on the publication.
	RetryCount int
}

// Decide returns whether a failure of the given kind, on a publication
// that has already been retried retryCount times, is re-armed. hint is a
// platform supplied retry-after, honoured up to MaxDelay.
func (p Policy) Decide(kind domain.ErrorKind, retryCount int, hint time.Duration) Decision {
	if !kind.Retryable() || retryCount >= p.MaxRetries {
		return Decision{RetryCount: retryCount}
	}
	delay := p.Delay(retryCount)
	if hint > delay {
		delay = hint
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return Decision{Retry: true, Delay: delay, RetryCount: retryCount + 1}
}
