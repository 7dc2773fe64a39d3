package transport

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// retrier sequences dial attempts under one backoff policy.
type retrier struct {
	cfg         BackoffConfig
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

func newRetrier(cfg Config) *retrier {
	return &retrier{
		cfg:         cfg.Backoff,
		maxAttempts: cfg.MaxConnectAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retrier) shouldRetry(attempt int) bool {
	if r.maxAttempts <= 0 {
		return true
	}
	return attempt < r.maxAttempts
}

func (r *retrier) sleep(ctx context.Context, attempt int) error {
	r.mu.Lock()
	delay := NextBackoffDelay(r.cfg, attempt, r.rng)
	r.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
