package core

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/joseph-ayodele/docflow/internal/common"
)

// RetryPolicy decides whether a failed stage attempt is re-run and after how long.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. 1 disables retries.
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	// Jitter is the upper bound of the random delay added to every backoff.
	Jitter time.Duration

	rand func() float64
}

// DefaultRetryPolicy is 3 attempts, 1s doubling, capped at 10 minutes, jitter up to 1s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    600 * time.Second,
		Jitter:      time.Second,
	}
}

// NewRetryPolicy builds a policy from pipeline config, falling back to the defaults
// for zero values.
func NewRetryPolicy(cfg common.PipelineConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
		p.Jitter = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

// ShouldRetry reports whether err, raised on the given 1-based attempt, earns another attempt.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return common.Classify(err) == common.ClassRetryable && attempt < p.MaxAttempts
}

// Backoff is the delay before the attempt following attempt:
// base * factor^(attempt-1), capped at MaxDelay, plus up to Jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		rnd := p.rand
		if rnd == nil {
			rnd = rand.Float64
		}
		d += rnd() * float64(p.Jitter)
	}
	return time.Duration(d)
}
