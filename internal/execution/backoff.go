package execution

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"grid-core/pkg/exchanges/common"
)

// Backoff is a capped exponential delay with jitter.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultBackoff is used for idempotent venue reads.
var DefaultBackoff = Backoff{Base: 250 * time.Millisecond, Max: 5 * time.Second, Attempts: 4}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if d <= 0 {
		return 0
	}
	// up to 20% jitter, never above Max
	j := time.Duration(rand.Int63n(int64(d)/5 + 1))
	if d+j > b.Max {
		return d
	}
	return d + j
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the attempts run out. Only NetworkErrors are retried.
func withRetry[T any](ctx context.Context, b Backoff, log *zap.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if serr := sleep(ctx, b.Delay(i-1)); serr != nil {
				return out, err
			}
		}
		out, err = fn(ctx)
		if err == nil || !common.IsRetryable(err) {
			return out, err
		}
		log.Warn("transient venue error", zap.String("op", op), zap.Int("attempt", i+1), zap.Error(err))
	}
	return out, err
}
