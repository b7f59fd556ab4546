package stage

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/devinsight/analysis-jobs/pkg/core"
)

// RetryConfig holds the per-stage attempt bound and backoff shape.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per stage (including
	// the initial one). Default: 3
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// retryTransient executes the operation, retrying transient failures with
// exponential backoff. Fatal errors and caller cancellation stop the
// attempt sequence immediately; the last error is returned once the
// attempt bound is exhausted.
func retryTransient(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !core.IsRetryable(lastErr) {
			return lastErr
		}
		if errors.Is(lastErr, ctx.Err()) && ctx.Err() != nil {
			return lastErr
		}

		if attempt >= config.MaxAttempts {
			break
		}

		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleep := backoff + jitter
		if sleep < 0 {
			sleep = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}
