package queue

import (
	"math/rand"
	"time"
)

// Retry policy defaults. A failed attempt is redelivered after an
// exponential backoff: base 5s doubling per attempt, capped at 30s,
// up to DefaultMaxAttempts activations unless the job overrides it.
const (
	DefaultMaxAttempts = 5
	BackoffBase        = 5 * time.Second
	BackoffCap         = 30 * time.Second

	// DefaultLockDuration is how long a claim lease lasts without
	// renewal before the job is considered stalled.
	DefaultLockDuration = 60 * time.Second

	// MaxStalledCount is how many stall detections a job survives
	// before it fails permanently.
	MaxStalledCount = 2
)

// RetryBackoff returns the redelivery delay after the given attempt
// count (1-based). When jitter is true, up to one extra second of
// uniform noise is added to de-synchronize retry storms.
func RetryBackoff(attempt int, jitter bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= BackoffCap {
			d = BackoffCap
			break
		}
	}
	if jitter {
		d += time.Duration(rand.Int63n(int64(time.Second)))
	}
	return d
}
