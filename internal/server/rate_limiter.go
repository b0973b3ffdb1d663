package server

import (
	"math"
	"sync"
	"time"
)

// rateLimiter is a token bucket holding up to Burst text messages, refilled
// at Burst per RefillInterval. Each session owns one.
type rateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	perSec   float64
	refilled time.Time
	now      func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := max(cfg.Burst, 1)
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	now := time.Now
	return &rateLimiter{
		tokens:   float64(burst),
		burst:    float64(burst),
		perSec:   float64(burst) / interval.Seconds(),
		refilled: now(),
		now:      now,
	}
}

// allow takes a token. When none is left it reports how long until the
// next one is available.
func (rl *rateLimiter) allow() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.refilled).Seconds(); elapsed > 0 {
		rl.tokens = math.Min(rl.burst, rl.tokens+elapsed*rl.perSec)
	}
	rl.refilled = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}

	missing := 1 - rl.tokens
	wait := time.Duration(missing / rl.perSec * float64(time.Second))
	return false, wait.Round(time.Millisecond)
}
