// Package backoff computes retry delays for transient failures.
package backoff

import (
	"math"
	"time"
)

// Exponential implements a standard capped exponential backoff.
type Exponential struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Default returns the pipeline defaults: 30s, 60s, 120s, 240s (max 300s).
func Default() *Exponential {
	return &Exponential{
		BaseDelay: 30 * time.Second,
		MaxDelay:  300 * time.Second,
	}
}

// Delay calculates the delay for an attempt: BaseDelay * 2^attempt,
// capped at MaxDelay.
func (b *Exponential) Delay(attempt int) time.Duration {
	delay := float64(b.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
