package sseclient

import (
	"math/rand/v2"
	"time"
)

// backoff computes reconnect delays: min(max, base*2^attempt) plus a
// bounded uniform jitter to avoid synchronized retry storms.
type backoff struct {
	base   time.Duration
	max    time.Duration
	jitter time.Duration

	// randInt64N is swappable for tests; defaults to rand.Int64N.
	randInt64N func(n int64) int64
}

func newBackoff(base, max, jitter time.Duration) backoff {
	return backoff{
		base:       base,
		max:        max,
		jitter:     jitter,
		randInt64N: rand.Int64N,
	}
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.max
	// Guard the shift: past 62 bits the doubling has long since
	// saturated the cap.
	if attempt < 62 {
		if computed := b.base << uint(attempt); computed > 0 && computed < b.max {
			d = computed
		}
	}
	if b.jitter > 0 {
		d += time.Duration(b.randInt64N(int64(b.jitter)))
	}
	return d
}
