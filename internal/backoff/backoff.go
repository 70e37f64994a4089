// Package backoff provides retry delay strategies for failed jobs.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt. Attempt numbers are
// 1-indexed: attempt 1 is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Policy bounds how many times a job may execute and how retries are spaced.
// MaxAttempts counts total executions, so MaxAttempts = 1 means no retries.
type Policy struct {
	MaxAttempts int
	Strategy    Strategy
}

// NextSchedule returns when the given retry attempt should become eligible.
func (p Policy) NextSchedule(attempt int) time.Time {
	s := p.Strategy
	if s == nil {
		s = Default()
	}
	return time.Now().Add(s.Delay(attempt))
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt:
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialWithJitter applies full jitter to an exponential base:
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// Jitter spreads out retries when many jobs fail at the same instant.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// Default is the strategy used when a policy does not name one:
// exponential with full jitter, 1s initial, 1m cap.
func Default() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}
