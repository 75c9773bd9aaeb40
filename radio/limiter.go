package radio

import "time"

// resetLimiter is a fixed-window token bucket driven by the caller's clock.
type resetLimiter struct {
	max         int
	tokens      int
	interval    time.Duration
	windowStart time.Time
}

func newResetLimiter(max int, interval time.Duration) *resetLimiter {
	return &resetLimiter{max: max, tokens: max, interval: interval}
}

// Allow consumes a token if available; returns false when rate-limited.
func (r *resetLimiter) Allow(now time.Time) bool {
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.interval || now.Before(r.windowStart) {
		r.windowStart = now
		r.tokens = r.max
	}
	if r.tokens <= 0 {
		return false
	}
	r.tokens--
	return true
}
