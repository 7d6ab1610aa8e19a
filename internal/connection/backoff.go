package connection

import "time"

// backoff tracks retry attempts and computes exponential delays. The
// attempt counter is reset by the supervisor once a connection proves
// stable, so a brief recovery followed by an immediate re-failure does not
// restart the schedule from the base delay.
type backoff struct {
	base       time.Duration
	max        time.Duration
	maxRetries int // <= 0 means unbounded
	attempts   int
}

func newBackoff(base, max time.Duration, maxRetries int) *backoff {
	return &backoff{base: base, max: max, maxRetries: maxRetries}
}

// Next registers one failed attempt and returns the delay to wait before
// the next one. ok is false once the retry budget is exhausted; the caller
// must stop retrying and surface a fatal error.
func (b *backoff) Next() (delay time.Duration, ok bool) {
	b.attempts++
	if b.maxRetries > 0 && b.attempts > b.maxRetries {
		return 0, false
	}

	delay = b.base
	for i := 1; i < b.attempts; i++ {
		delay *= 2
		if delay >= b.max {
			return b.max, true
		}
	}
	if delay > b.max {
		delay = b.max
	}
	return delay, true
}

// Reset clears the attempt counter.
func (b *backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the consecutive failed attempts so far.
func (b *backoff) Attempts() int {
	return b.attempts
}
