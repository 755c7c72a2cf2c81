// Package backoff computes retry delays with exponential growth and jitter.
//
// The calculation is pure: given the same random source it always produces
// the same delay, which keeps retry behavior testable. Delays never fall
// below the base delay, so a jittered value can shorten a wait but never
// collapse it to zero.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultBase is the starting delay for the first retry.
	DefaultBase = 1 * time.Second

	// DefaultJitter is the symmetric jitter fraction applied to each delay.
	DefaultJitter = 0.1
)

// Delay returns the wait before retry number attempt (1-based for the first
// retry). The delay doubles with each attempt, then gains a random offset in
// [-delay*jitterFrac, +delay*jitterFrac], and is finally clamped to be at
// least base.
func Delay(attempt int, base time.Duration, jitterFrac float64, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = DefaultBase
	}

	delay := float64(base) * float64(uint64(1)<<uint(attempt))

	jitterAmount := delay * jitterFrac
	actual := delay + (rng.Float64()*2-1)*jitterAmount

	if actual < float64(base) {
		actual = float64(base)
	}
	return time.Duration(actual)
}

// DefaultDelay computes Delay with the package defaults and a shared
// random source. Safe for concurrent use.
func DefaultDelay(attempt int) time.Duration {
	defaultRNG.mu.Lock()
	defer defaultRNG.mu.Unlock()
	return Delay(attempt, DefaultBase, DefaultJitter, defaultRNG.r)
}

var defaultRNG = struct {
	mu sync.Mutex
	r  *rand.Rand
}{
	r: rand.New(rand.NewSource(time.Now().UnixNano())),
}
