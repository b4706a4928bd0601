package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures RetryWithValue. Only idempotent operations (chain
// reads, dials) should be retried.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (-1 = unlimited)
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Multiplier grows the delay per attempt (default 2)
	Multiplier float64
	// Jitter randomises each delay by ±Jitter (0.0 - 1.0)
	Jitter float64
	// RetryIf decides whether err is worth another attempt; nil retries everything
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the settings used for chain RPC reads.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
		RetryIf:    DefaultRetryIf(),
	}
}

// RetryResult describes a finished RetryWithValue call.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

// ErrMaxRetriesExceeded is joined into LastError when attempts run out.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// RetryWithValue calls fn until it succeeds, returns a non-retryable error,
// runs out of retries or ctx is done.
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var zero T
	result := &RetryResult{}
	start := time.Now()
	finish := func(err error) (T, *RetryResult) {
		result.LastError = err
		result.Duration = time.Since(start)
		return zero, result
	}

	for {
		result.Attempts++
		val, err := fn()
		if err == nil {
			result.Duration = time.Since(start)
			return val, result
		}

		if config.RetryIf != nil && !config.RetryIf(err) {
			return finish(err)
		}
		if config.MaxRetries >= 0 && result.Attempts > config.MaxRetries {
			return finish(errors.Join(ErrMaxRetriesExceeded, err))
		}

		timer := time.NewTimer(calculateDelay(config, result.Attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return finish(errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}

// calculateDelay returns BaseDelay * Multiplier^(attempt-1) with jitter, capped at MaxDelay.
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if config.Jitter > 0 {
		jitterRange := delay * config.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}
	if config.MaxDelay > 0 && time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// NonRetryableError marks an error that retrying cannot fix.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// IsNonRetryable reports whether err was marked with MarkNonRetryable.
func IsNonRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}

// MarkNonRetryable wraps err so RetryWithValue gives up immediately.
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// DefaultRetryIf retries everything except non-retryable and context errors.
func DefaultRetryIf() func(error) bool {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return !IsNonRetryable(err)
	}
}
