// Package retry provides backoff strategies and transient-failure
// classification for the upstream proxy path.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ExponentialBackoff implements exponential backoff with optional jitter.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff creates an exponential backoff. jitter is the
// relative spread (0.2 means +-20%).
func NewExponentialBackoff(initial, max time.Duration, factor, jitter float64) *ExponentialBackoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = 10 * time.Second
	}
	if factor <= 1 {
		factor = 2
	}

	return &ExponentialBackoff{
		initial: initial,
		max:     max,
		factor:  factor,
		jitter:  jitter,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // timing jitter
	}
}

// Next returns the wait before retry attempt+1.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	backoff := float64(b.initial) * math.Pow(b.factor, float64(attempt))
	if backoff > float64(b.max) {
		backoff = float64(b.max)
	}

	if b.jitter > 0 {
		b.mu.Lock()
		jitterRange := backoff * b.jitter
		backoff += (b.rand.Float64() * 2 * jitterRange) - jitterRange
		b.mu.Unlock()
	}

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}
