package llm

import (
	"context"
	"math/rand"
	"time"
)

const (
	maxRetries      = 2
	initialInterval = 250 * time.Millisecond
	maxInterval     = 2 * time.Second
	jitterFactor    = 0.1
)

// retryTransient runs fn up to 1+maxRetries times with exponential backoff
// and jitter. Only transient errors retry; the context deadline bounds the
// whole sequence.
func retryTransient(ctx context.Context, fn func() (*Completion, error)) (*Completion, error) {
	interval := initialInterval
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		completion, err := fn()
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == maxRetries {
			return nil, err
		}

		wait := interval
		if jitterFactor > 0 {
			jitter := wait.Seconds() * jitterFactor * (rand.Float64()*2 - 1)
			wait += time.Duration(jitter * float64(time.Second))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
	return nil, lastErr
}
