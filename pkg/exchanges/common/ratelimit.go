package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests with a token bucket and tracks the
// request weight the venue reports back in response headers.
type RateLimiter struct {
	bucket *rate.Limiter
	log    *zap.Logger

	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter creates a limiter allowing rps requests per second (burst
// of burst) and a reported weight budget of limit per resetInterval.
func NewRateLimiter(rps float64, burst, limit int, resetInterval time.Duration, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{
		bucket:        rate.NewLimiter(rate.Limit(rps), burst),
		log:           log,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until a request may be sent. When the reported weight is close
// to the venue limit it waits for an extra token.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.bucket.Wait(ctx); err != nil {
		return err
	}
	if rl.ShouldDelay() {
		return rl.bucket.Wait(ctx)
	}
	return nil
}

// UpdateFromHeader updates the used weight from an API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	switch {
	case pct >= 95:
		rl.log.Warn("rate limit critical", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	case pct >= 80:
		rl.log.Info("rate limit warning", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	}
}

// Usage returns current usage information.
func (rl *RateLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval || rl.limit == 0 {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true when the next request should be spaced out.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
