// Package util holds small helpers shared across commands and the sweep
// engine.
package util

import "time"

// SkipThrottler rate limits periodic work such as progress logging. Ok
// reports true at most once per interval and the caller simply skips the
// work otherwise.
type SkipThrottler struct {
	d    time.Duration
	last time.Time
}

func NewSkipThrottler(d time.Duration) *SkipThrottler {
	return &SkipThrottler{d: d}
}

func (tt *SkipThrottler) Ok() bool {
	now := time.Now()
	if now.Before(tt.last.Add(tt.d)) {
		return false
	}
	tt.last = now
	return true
}
