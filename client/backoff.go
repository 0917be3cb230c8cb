package client

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy defines how to handle reconnection delays
type BackoffStrategy interface {
	// NextDelay returns the delay before reconnection attempt number attempt
	// (0 for the first retry after a disconnect).
	NextDelay(attempt int) time.Duration

	// Reset resets the backoff strategy after a successful connection
	Reset()
}

// ConstantBackoff waits the same delay before every attempt.
type ConstantBackoff struct {
	Delay time.Duration
}

// DefaultConstantDelay is the fixed reconnection interval.
const DefaultConstantDelay = 5 * time.Second

func (cb *ConstantBackoff) NextDelay(int) time.Duration {
	if cb.Delay <= 0 {
		return DefaultConstantDelay
	}
	return cb.Delay
}

func (cb *ConstantBackoff) Reset() {}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter spreads each delay uniformly within ±Jitter of its value, e.g. 0.2.
	Jitter float64

	// rand returns a number in [0, 1). Defaults to math/rand/v2.
	rand func() float64
}

// NewExponentialBackoff returns the default strategy: 1s doubling up to 30s
// with 20% jitter.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := eb.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= multiplier
		if eb.MaxDelay > 0 && delay >= float64(eb.MaxDelay) {
			delay = float64(eb.MaxDelay)
			break
		}
	}
	if eb.MaxDelay > 0 && delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.Jitter > 0 {
		r := eb.rand
		if r == nil {
			r = rand.Float64
		}
		delay += delay * eb.Jitter * (2*r() - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (eb *ExponentialBackoff) Reset() {}
