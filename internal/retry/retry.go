// Package retry holds the bounded-retry helper and the ordered fallback chain
// shared by every component that talks to the portal.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrExhausted is returned when every strategy of a chain failed
var ErrExhausted = errors.New("all strategies exhausted")

// TryAction runs action up to maxRetries times with a fixed backoff between
// attempts. It never returns an error: callers must check the result.
func TryAction(ctx context.Context, logger *zap.Logger, description string, maxRetries int, backoff time.Duration, action func(ctx context.Context) error) bool {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		lastErr = action(ctx)
		if lastErr == nil {
			return true
		}

		logger.Debug("Action attempt failed",
			zap.String("action", description),
			zap.Int("attempt", attempt),
			zap.Int("max", maxRetries),
			zap.Error(lastErr))

		if attempt < maxRetries && !Sleep(ctx, backoff) {
			lastErr = ctx.Err()
			break
		}
	}

	logger.Warn("Action failed after retries",
		zap.String("action", description),
		zap.Int("attempts", maxRetries),
		zap.Error(lastErr))
	return false
}

// Strategy is one named way of producing a T
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Attempt records the outcome of one strategy in a chain
type Attempt struct {
	Strategy string
	Err      error
}

// ChainResult is the outcome of TryStrategiesInOrder
type ChainResult[T any] struct {
	Value    T
	Strategy string
	Attempts []Attempt
}

// TryStrategiesInOrder runs strategies one after another and stops at the
// first success. When all fail the returned error wraps ErrExhausted together
// with every strategy error.
func TryStrategiesInOrder[T any](ctx context.Context, logger *zap.Logger, strategies []Strategy[T]) (ChainResult[T], error) {
	var result ChainResult[T]

	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			result.Attempts = append(result.Attempts, Attempt{Strategy: s.Name, Err: err})
			return result, fmt.Errorf("chain interrupted before %s: %w", s.Name, err)
		}

		value, err := s.Run(ctx)
		result.Attempts = append(result.Attempts, Attempt{Strategy: s.Name, Err: err})
		if err == nil {
			result.Value = value
			result.Strategy = s.Name
			return result, nil
		}

		logger.Debug("Strategy failed, trying next",
			zap.String("strategy", s.Name),
			zap.Error(err))
	}

	return result, exhausted(result.Attempts)
}

func exhausted(attempts []Attempt) error {
	if len(attempts) == 0 {
		return fmt.Errorf("%w: no strategies", ErrExhausted)
	}

	parts := make([]string, 0, len(attempts))
	errs := []error{ErrExhausted}
	for _, a := range attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
		errs = append(errs, a.Err)
	}

	return fmt.Errorf("%s: %w", strings.Join(parts, "; "), errors.Join(errs...))
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
