// Package backoff provides retry delay strategies for task execution.
// Strategies are stateless and safe for concurrent use.
package backoff

import "time"

// Strategy computes the delay before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Schedule returns a fixed sequence of delays, clamped to the last entry
// once attempts run past the end.
type Schedule []time.Duration

func (s Schedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s) {
		attempt = len(s)
	}
	return s[attempt-1]
}

// Constant always returns the same delay.
type Constant time.Duration

func (c Constant) Delay(_ int) time.Duration { return time.Duration(c) }

// Exponential doubles the delay each attempt: Initial * 2^(attempt-1),
// capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// PublishSchedule is the delay sequence used between publish retries.
var PublishSchedule = Schedule{60 * time.Second, 300 * time.Second, 900 * time.Second}
