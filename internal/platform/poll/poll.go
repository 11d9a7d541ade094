// Package poll provides a bounded fixed-interval poller for awaiting
// asynchronous resolutions from external partners.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExhausted is returned when every attempt ran without the condition
// resolving. Callers decide the fallback (the abort flow downgrades to a local
// cancellation).
var ErrBudgetExhausted = errors.New("poll: budget exhausted")

// Config bounds a polling loop. Interval elapses between attempts; the first
// attempt waits one interval as well, since the caller has just issued the
// request being awaited.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// Validate checks the configuration before use.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("poll: interval must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("poll: max attempts must be positive")
	}
	return nil
}

// Func is invoked once per attempt. Returning done=true stops the loop
// successfully. A non-nil error stops the loop immediately and is returned
// wrapped with the attempt number.
type Func func(ctx context.Context, attempt int) (done bool, err error)

// Run executes fn up to cfg.MaxAttempts times, waiting cfg.Interval before
// each attempt. Context cancellation wins over the interval timer.
func Run(ctx context.Context, cfg Config, fn Func) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("poll: fn is required")
	}

	timer := time.NewTimer(cfg.Interval)
	defer timer.Stop()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := fn(ctx, attempt)
		if err != nil {
			return fmt.Errorf("poll: attempt %d: %w", attempt, err)
		}
		if done {
			return nil
		}

		if attempt < cfg.MaxAttempts {
			timer.Reset(cfg.Interval)
		}
	}

	return ErrBudgetExhausted
}
