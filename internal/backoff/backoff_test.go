package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelay_NeverBelowBase(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 1 * time.Second

	for attempt := 0; attempt <= 6; attempt++ {
		for i := 0; i < 100; i++ {
			d := Delay(attempt, base, DefaultJitter, rng)
			if d < base {
				t.Fatalf("attempt %d: delay %v below base %v", attempt, d, base)
			}
		}
	}
}

func TestDelay_ExponentialGrowth(t *testing.T) {
	// Zero jitter makes the schedule exact.
	rng := rand.New(rand.NewSource(1))
	base := 1 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}

	for _, tt := range tests {
		if got := Delay(tt.attempt, base, 0, rng); got != tt.want {
			t.Errorf("Delay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_JitterStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := 1 * time.Second
	jitter := 0.1

	for attempt := 1; attempt <= 5; attempt++ {
		expected := float64(base) * float64(uint64(1)<<uint(attempt))
		lo := time.Duration(expected * (1 - jitter))
		hi := time.Duration(expected * (1 + jitter))

		for i := 0; i < 200; i++ {
			d := Delay(attempt, base, jitter, rng)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestDelay_DeterministicWithFixedSource(t *testing.T) {
	a := rand.New(rand.NewSource(7))
	b := rand.New(rand.NewSource(7))

	for attempt := 0; attempt < 5; attempt++ {
		if da, db := Delay(attempt, DefaultBase, DefaultJitter, a), Delay(attempt, DefaultBase, DefaultJitter, b); da != db {
			t.Fatalf("attempt %d: %v != %v with identical sources", attempt, da, db)
		}
	}
}

func TestDelay_NegativeAttemptClamped(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	if d := Delay(-3, time.Second, 0, rng); d != time.Second {
		t.Errorf("negative attempt: got %v, want %v", d, time.Second)
	}
}

func TestDefaultDelay_Positive(t *testing.T) {
	for attempt := 0; attempt < 4; attempt++ {
		if d := DefaultDelay(attempt); d < DefaultBase {
			t.Errorf("DefaultDelay(%d) = %v, want >= %v", attempt, d, DefaultBase)
		}
	}
}
