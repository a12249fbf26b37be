package dispatch

import (
	"time"
)

// RetryPolicy decides what happens to a message after a transient delivery
// failure: either a backoff delay before the next attempt, or the terminal
// failed_permanent state once the retry ceiling is reached.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	now func() time.Time
}

// NewRetryPolicy returns the default policy: exponential backoff starting at
// one minute, doubling per attempt, capped at one hour.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		BaseDelay: time.Minute,
		MaxDelay:  time.Hour,
		now:       time.Now,
	}
}

// Backoff returns the delay before the next attempt for a message that has
// already failed retryCount times. Growth is monotonic with the attempt
// number up to the cap.
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Decision is the outcome of evaluating a transient failure.
type Decision struct {
	// Permanent is true when the retry ceiling is reached and the message
	// must move to failed_permanent instead of waiting out another backoff.
	Permanent bool

	RetryCount     int
	NextEligibleAt time.Time
}

// Evaluate applies the ceiling-then-backoff rule to a transient failure on a
// message with the given attempt history. A message is never left
// indefinitely retryable: once retry_count reaches maxRetries it goes
// permanent with the last error preserved.
func (p *RetryPolicy) Evaluate(retryCount, maxRetries int) Decision {
	next := retryCount + 1
	if next >= maxRetries {
		return Decision{
			Permanent:  true,
			RetryCount: next,
		}
	}

	return Decision{
		RetryCount:     next,
		NextEligibleAt: p.now().Add(p.Backoff(retryCount)),
	}
}
