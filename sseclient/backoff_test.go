package sseclient

import (
	"testing"
	"time"
)

func TestBackoff_SequenceMonotonicAndCapped(t *testing.T) {
	bo := newBackoff(1*time.Second, 30*time.Second, 0)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, expected := range want {
		if got := bo.delay(attempt); got != expected {
			t.Fatalf("delay(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBackoff_JitterBounded(t *testing.T) {
	bo := newBackoff(1*time.Second, 30*time.Second, 300*time.Millisecond)

	for attempt := 0; attempt < 10; attempt++ {
		base := newBackoff(1*time.Second, 30*time.Second, 0).delay(attempt)
		for i := 0; i < 100; i++ {
			d := bo.delay(attempt)
			if d < base || d >= base+300*time.Millisecond {
				t.Fatalf("delay(%d) = %v outside [%v, %v)", attempt, d, base, base+300*time.Millisecond)
			}
		}
	}
}

func TestBackoff_LargeAttemptSaturates(t *testing.T) {
	bo := newBackoff(1*time.Second, 30*time.Second, 0)

	for _, attempt := range []int{62, 63, 100, 1 << 20} {
		if got := bo.delay(attempt); got != 30*time.Second {
			t.Fatalf("delay(%d) = %v, want cap", attempt, got)
		}
	}
}
