// Package retry provides exponential backoff for reconnecting bridge clients.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError wraps an error that should not be retried.
// Return Permanent(err) from the fn callback to stop retries immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError to stop retries.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Config configures the retry behavior.
type Config struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop (0 = no limit).
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited).
	MaxAttempts int
}

// DefaultConfig returns defaults suited to reconnecting to a local bridge.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxElapsed:   2 * time.Minute,
		MaxAttempts:  0,
	}
}

// Backoff yields jittered, exponentially growing delays. It is not safe for
// concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

// NewBackoff creates a Backoff from cfg, filling zero values from DefaultConfig.
func NewBackoff(cfg Config) *Backoff {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Backoff{initial: cfg.InitialDelay, max: cfg.MaxDelay, next: cfg.InitialDelay}
}

// Next returns the delay to wait before the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	delay := b.next
	var jitter time.Duration
	if half := int64(delay) / 2; half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return delay + jitter
}

// Reset starts the sequence over, e.g. after a connection was established.
func (b *Backoff) Reset() {
	b.next = b.initial
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do executes fn with exponential backoff and jitter.
// It stops retrying if fn returns a PermanentError (use Permanent() to wrap).
// Returns the last error if all retries are exhausted.
func Do(ctx context.Context, cfg Config, operationName string, fn func(ctx context.Context) error) error {
	backoff := NewBackoff(cfg)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Retry succeeded",
					"operation", operationName,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			slog.Warn("Permanent error, not retrying",
				"operation", operationName,
				"attempt", attempt,
				"error", permErr.Err,
			)
			return permErr.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operationName, attempt, err)
		}
		if cfg.MaxElapsed > 0 && time.Since(start) >= cfg.MaxElapsed {
			return fmt.Errorf("%s: retries exhausted after %v: %w", operationName, time.Since(start).Round(time.Millisecond), err)
		}

		delay := backoff.Next()
		slog.Debug("Attempt failed, retrying",
			"operation", operationName,
			"attempt", attempt,
			"delay", delay.Round(time.Millisecond),
			"error", err,
		)

		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: context cancelled during retry: %w", operationName, err)
		}
	}
}
