package task

import (
	"math/rand"
	"time"
)

// Backoff defaults. The base is configurable; the cap keeps a task with a
// generous attempt budget from drifting days into the future.
const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 6 * time.Hour

	backoffJitter = 0.2
)

// Backoff computes retry delays: base doubled per attempt, capped, with
// ±20% jitter so a burst of failures does not retry in lockstep.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is the policy used when no configuration overrides it.
var DefaultBackoff = Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap}

// Delay returns the wait before retry number attempt (1-based). Attempt 1
// waits base, attempt 2 waits 2·base, and so on.
func (b Backoff) Delay(attempt int32) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	cap := b.Cap
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := int32(1); i < attempt; i++ {
		d *= 2
		if d >= cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}

	// Jitter in [-20%, +20%].
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * jitter)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// RetryAt returns the next run time after the given attempt fails.
func (b Backoff) RetryAt(now time.Time, attempt int32) time.Time {
	return now.Add(b.Delay(attempt))
}
