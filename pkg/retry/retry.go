// Package retry provides retry policies and a keyed delay queue for retrying work later.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Total attempts including the first (0 = run once)
	InitialDelay time.Duration // Delay after the first failed attempt
	MaxDelay     time.Duration // Upper bound for any delay
	Multiplier   float64       // Backoff multiplier; 1.0 gives a fixed delay
	AddJitter    bool          // Add up to 25% randomness to each delay
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Quick returns a config for fast retries (useful during startup)
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Fixed returns a config that waits the same delay between every attempt.
func Fixed(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

// Upload is the fragment upload policy: 30 attempts in total, one second apart.
func Upload() Config {
	return Fixed(30, time.Second)
}

// Exhausted reports whether no attempt is left after attempt number attempt
// (1-based) has failed.
func (c Config) Exhausted(attempt int) bool {
	max := c.MaxAttempts
	if max <= 0 {
		max = 1
	}
	return attempt >= max
}

// Delay returns how long to wait after attempt number attempt (1-based)
// failed, without jitter.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = 1.0
	}

	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
		if c.MaxDelay > 0 && delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

func (c Config) jittered(d time.Duration) time.Duration {
	if !c.AddJitter || d < 4 {
		return d
	}
	randMu.Lock()
	jitter := time.Duration(randSource.Int63n(int64(d / 4)))
	randMu.Unlock()
	return d + jitter
}

// Do executes fn with retry using the real clock.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return DoWithClock(ctx, clockwork.NewRealClock(), cfg, fn)
}

// DoWithClock executes fn with retry, sleeping on the given clock.
func DoWithClock(ctx context.Context, clock clockwork.Clock, cfg Config, fn func() error) error {
	if cfg.InitialDelay < 0 {
		return errors.New("retry: InitialDelay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return errors.New("retry: MaxDelay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return errors.New("retry: Multiplier cannot be negative")
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return errors.New("retry: MaxDelay must be >= InitialDelay")
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if cfg.Exhausted(attempt) {
			break
		}

		timer := clock.NewTimer(cfg.jittered(cfg.Delay(attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.Chan():
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
