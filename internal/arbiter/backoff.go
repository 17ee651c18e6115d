package arbiter

import (
	"math/rand"
	"time"
)

// maxInsertRetries bounds the INSERT-IF-ABSENT retry loop (§4.6). Only this
// path retries; every other claim statement surfaces a transient error to
// the caller on the first failure.
const maxInsertRetries = 3

// backoffPolicy is a value, not a recursive call stack: it carries the
// attempts already spent and hands back the next delay on request. An
// iterative loop over it is equally correct as recursion, per §9.
type backoffPolicy struct {
	attempt int
	max     int
	rand    func() time.Duration
}

func newBackoffPolicy() *backoffPolicy {
	return &backoffPolicy{
		max: maxInsertRetries,
		rand: func() time.Duration {
			// Uniform in [20, 220) ms.
			return time.Duration(20+rand.Intn(200)) * time.Millisecond
		},
	}
}

// next reports whether another attempt remains and, if so, the delay to
// sleep before it (exponential: base * 2^attempt, capped only by the
// attempt count itself since linger/retention already bound the horizon).
func (b *backoffPolicy) next() (delay time.Duration, ok bool) {
	if b.attempt >= b.max {
		return 0, false
	}
	delay = b.rand() << uint(b.attempt)
	b.attempt++
	return delay, true
}

func (b *backoffPolicy) attemptsUsed() int { return b.attempt }
