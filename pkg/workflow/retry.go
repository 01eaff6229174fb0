package workflow

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ethpandaops/geostore/pkg/checksum"
	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/ethpandaops/geostore/pkg/iteration"
	"github.com/ethpandaops/geostore/pkg/stacvalidate"
	"github.com/ethpandaops/geostore/pkg/store"
)

// ErrPermanent marks task errors that must not be retried.
var ErrPermanent = errors.New("permanent task failure")

// IsContentError reports whether err is a validation failure that was
// already recorded as a validation result.
func IsContentError(err error) bool {
	return errors.Is(err, stacvalidate.ErrValidationFailed) ||
		errors.Is(err, checksum.ErrFileNotFound) ||
		errors.Is(err, checksum.ErrUnknownClientError)
}

// IsTransient reports whether a task error may succeed on retry.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case IsContentError(err),
		errors.Is(err, ErrPermanent),
		errors.Is(err, context.Canceled),
		errors.Is(err, checksum.ErrMissingRow),
		errors.Is(err, iteration.ErrInvalidNextItem),
		errors.Is(err, store.ErrNotFound):
		return false
	default:
		return true
	}
}

// backoff returns the delay before retry number attempt (1-based).
func backoff(cfg *config.RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.BackoffRate, float64(attempt-1))

	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		return cfg.MaxInterval
	}

	return time.Duration(delay)
}

// retry runs fn until it succeeds, fails with a non-transient error or
// runs out of attempts. Each attempt gets its own timeout when timeout is
// positive.
func retry(
	ctx context.Context,
	cfg *config.RetryConfig,
	timeout time.Duration,
	onRetry func(attempt int, err error),
	fn func(ctx context.Context) error,
) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		err = attemptWithTimeout(ctx, timeout, fn)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}

		if attempt == attempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(backoff(cfg, attempt))

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}

func attemptWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(attemptCtx)
}
