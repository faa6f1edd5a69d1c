package dispatch

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrDeliveryExhausted marks a task that used every attempt without a
// successful send.
var ErrDeliveryExhausted = errors.New("delivery exhausted")

// ErrNoAdapter is recorded on tasks for a channel with no configured adapter.
var ErrNoAdapter = errors.New("no adapter configured for channel")

// DeliveryError describes one failed send attempt.
type DeliveryError struct {
	Channel    string
	Subscriber string
	Attempt    int
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s to %s (attempt %d): %v", e.Channel, e.Subscriber, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// RetryPolicy bounds delivery attempts for a single alert task.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryPolicy returns five attempts with backoff doubling from one
// second up to thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	d := float64(p.InitialBackoff) * math.Pow(factor, float64(attempt-1))
	if d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempts remain after the given count.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
