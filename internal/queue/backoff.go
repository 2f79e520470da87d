package queue

import (
	"math"
	"time"
)

// Backoff computes retry delays for failed attempts. Stateless and safe for
// concurrent use.
//
// Delay = min(Initial * 2^(attempt-1), Max), attempt 1-indexed.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func NewBackoff(initial, max time.Duration) Backoff {
	return Backoff{Initial: initial, Max: max}
}

// Delay returns how long a job should wait before retry attempt n.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if d < 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

// RetryAt returns the wall-clock time of the next attempt.
func (b Backoff) RetryAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
