package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// RateLimiter mirrors a venue's weight accounting from its response headers.
// It never blocks; callers combine it with the pacer and use ShouldDelay to
// back off before the venue bans the key.
type RateLimiter struct {
	mu        sync.RWMutex
	used      int
	limit     int
	window    time.Duration
	windowTop time.Time
}

// NewRateLimiter tracks used weight against limit per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, windowTop: time.Now()}
}

// UpdateFromHeader records the venue-reported used weight. Empty or
// non-numeric header values are ignored.
func (rl *RateLimiter) UpdateFromHeader(value string) {
	if value == "" {
		return
	}
	used, err := strconv.Atoi(value)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.windowTop) >= rl.window {
		rl.windowTop = time.Now()
	}
	rl.used = used

	switch pct := 100 * float64(used) / float64(rl.limit); {
	case pct >= 95:
		log.Printf("rate limit critical: %d/%d (%.1f%%), approaching ban threshold", used, rl.limit, pct)
	case pct >= 80:
		log.Printf("rate limit warning: %d/%d (%.1f%%)", used, rl.limit, pct)
	}
}

// Usage reports the weight consumed in the current window.
func (rl *RateLimiter) Usage() (used, limit int, pct float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.windowTop) >= rl.window {
		return 0, rl.limit, 0
	}
	return rl.used, rl.limit, 100 * float64(rl.used) / float64(rl.limit)
}

// ShouldDelay reports whether the next request ought to wait for the window
// to roll over.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
