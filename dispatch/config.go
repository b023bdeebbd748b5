package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/Roenbaeck/tubeist-sub000/errors"
	"github.com/Roenbaeck/tubeist-sub000/pkg/retry"
)

// Ordering selects the delivery-order guarantee.
type Ordering string

const (
	// Unordered runs several workers; the endpoint may receive fragments
	// out of sequence order and reorders them by the sequence field.
	Unordered Ordering = "unordered"
	// Strict runs a single worker and dequeues nothing while a retry is
	// pending, so the endpoint receives fragments in ascending order.
	Strict Ordering = "strict"
)

// ParseOrdering parses an ordering name. Empty selects Unordered.
func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(strings.ToLower(strings.TrimSpace(s))) {
	case "", Unordered:
		return Unordered, nil
	case Strict:
		return Strict, nil
	}
	return "", errors.WrapInvalid(
		fmt.Errorf("%w: unknown ordering %q", errors.ErrInvalidConfig, s),
		"Config", "ParseOrdering", "parse ordering")
}

// DefaultWorkers is the upload pool size.
const DefaultWorkers = 3

// Config controls the dispatcher.
type Config struct {
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Ordering    Ordering
}

// DefaultConfig returns three unordered workers, 30 attempts one second apart.
func DefaultConfig() Config {
	policy := retry.Upload()
	return Config{
		Workers:     DefaultWorkers,
		MaxAttempts: policy.MaxAttempts,
		RetryDelay:  policy.InitialDelay,
		Ordering:    Unordered,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: workers must be at least 1", errors.ErrInvalidConfig),
			"Config", "Validate", "check workers")
	}
	if c.MaxAttempts < 1 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: max attempts must be at least 1", errors.ErrInvalidConfig),
			"Config", "Validate", "check max attempts")
	}
	if c.RetryDelay < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: retry delay cannot be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check retry delay")
	}
	if _, err := ParseOrdering(string(c.Ordering)); err != nil {
		return err
	}
	return nil
}

// EffectiveWorkers is the pool size actually used.
func (c Config) EffectiveWorkers() int {
	if c.Ordering == Strict {
		return 1
	}
	return c.Workers
}

// RetryPolicy returns the fixed-delay policy the dispatcher applies.
func (c Config) RetryPolicy() retry.Config {
	return retry.Fixed(c.MaxAttempts, c.RetryDelay)
}
