package fetch

import (
	"time"

	"github.com/nwpio/nwpd/internal/errors"
)

// Retry defaults. A run that cannot download a file in five tries with
// half-minute waits is better off failing the unit and moving on.
const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
)

// RetryPolicy bounds the fetcher's download loop. The zero value is
// usable; unset fields fall back to the defaults above.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, the first included.
	MaxAttempts int

	// InitialInterval is the wait before the first retry. Each further
	// wait is scaled by Multiplier and capped at MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// AttemptTimeout caps one download end to end. Zero leaves only the
	// caller's deadline.
	AttemptTimeout time.Duration

	// Retryable reports whether a failed attempt may be repeated.
	// Defaults to errors.IsRetriable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the stock retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Retryable == nil {
		p.Retryable = errors.IsRetriable
	}
	return p
}

// interval returns the wait before the given retry, counted from 1.
func (p RetryPolicy) interval(retry int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < retry && d < p.MaxInterval; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}
