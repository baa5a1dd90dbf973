package mqlink

import (
	"math/rand"
	"sync"
	"time"
)

// ReconnectScheduler decides how long to wait before each reconnection
// attempt. It is swappable: supply a custom implementation through
// WithReconnectScheduler to integrate an external retry policy.
//
// The client calls Failure after each failed attempt, NextDelay before the
// next one, and Reset once a connection is fully established.
type ReconnectScheduler interface {
	// NextDelay returns the wait before the next attempt.
	NextDelay() time.Duration

	// Failure records a failed attempt.
	Failure()

	// Reset clears the failure count after a successful connection.
	Reset()

	// Exhausted reports whether the attempt budget is spent. The client
	// gives up and reports ErrGiveUp when it returns true.
	Exhausted() bool

	// Attempt returns the number of consecutive failures so far.
	Attempt() int
}

// ExponentialBackoff is the default ReconnectScheduler: the delay doubles
// with each consecutive failure, capped at Max, with a random jitter added
// so a fleet of clients does not reconnect in lockstep.
type ExponentialBackoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the exponential growth.
	Max time.Duration

	// Jitter is the width of the uniform random addition. Zero disables
	// jitter.
	Jitter time.Duration

	// MaxAttempts bounds consecutive failures; zero retries forever.
	MaxAttempts int

	mu       sync.Mutex
	failures int
}

// NewExponentialBackoff creates a scheduler with the given base and cap and
// no attempt bound.
func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Base: base, Max: max}
}

// NextDelay returns min(Base << failures, Max) plus jitter.
func (b *ExponentialBackoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.Base
	for i := 0; i < b.failures; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}

	if b.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(b.Jitter)))
	}
	return delay
}

// Failure records a failed attempt.
func (b *ExponentialBackoff) Failure() {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()
}

// Reset clears the failure count.
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Exhausted reports whether MaxAttempts consecutive failures occurred.
func (b *ExponentialBackoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.MaxAttempts > 0 && b.failures >= b.MaxAttempts
}

// Attempt returns the number of consecutive failures so far.
func (b *ExponentialBackoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
