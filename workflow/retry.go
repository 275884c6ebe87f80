package workflow

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a conflicting unit of work is re-run.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

const maxRetryBackoff = 2 * time.Second

// delay returns the wait after the given failed attempt (1-based): Backoff doubled per attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return d
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
