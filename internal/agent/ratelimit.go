package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for throttling tool invocations.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30 // 30 requests per minute default
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SenderLimiters hands out one bucket per sender so a flooding user cannot
// starve the others.
type SenderLimiters struct {
	mu            sync.Mutex
	limiters      map[string]*RateLimiter
	burst         int
	ratePerMinute float64
}

func NewSenderLimiters(burst int, ratePerMinute float64) *SenderLimiters {
	return &SenderLimiters{
		limiters:      make(map[string]*RateLimiter),
		burst:         burst,
		ratePerMinute: ratePerMinute,
	}
}

// For returns the bucket for sender, creating it on first use.
func (s *SenderLimiters) For(sender string) *RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.limiters[sender]
	if !ok {
		rl = NewRateLimiter(s.burst, s.ratePerMinute)
		s.limiters[sender] = rl
	}
	return rl
}
