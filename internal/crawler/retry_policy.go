package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

// BackoffConfig controls Backoff. Zero fields take the defaults of three
// attempts, a 250ms base delay, and a 5s ceiling.
type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff retries transient network failures with jittered exponential delays.
type Backoff struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(context.Context, time.Duration) error
}

// NewBackoff builds a Backoff from cfg.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Backoff{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		sleep:       SleepContext,
	}
}

// MaxAttempts reports how many times Do calls its function at most.
func (b *Backoff) MaxAttempts() int {
	return b.maxAttempts
}

// ShouldRetry reports whether err, returned by the given 1-based attempt, is
// worth another try. Network errors are retried only when they timed out;
// cancellation never is.
func (b *Backoff) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= b.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Delay returns the wait before the attempt following the given one. The
// result lies in [d/2, d) where d is the capped exponential delay.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

// Do calls fn until it succeeds, returns an error ShouldRetry rejects, or ctx
// is done. The last error is returned.
func (b *Backoff) Do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !b.ShouldRetry(err, attempt) {
			return err
		}
		if serr := b.sleep(ctx, b.Delay(attempt)); serr != nil {
			return err
		}
	}
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
