//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"time"

	"github.com/oshokin/app-updater/internal/logger"
)

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError

	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. Each call receives a context bounded by the policy's
// attempt timeout. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := max(policy.Attempts, 1)
	backoff := policy.InitialBackoff

	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		err = runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return nil
		}

		if IsPermanent(err) || ctx.Err() != nil || attempt == attempts {
			break
		}

		logger.WarnKV(ctx, "Attempt failed, retrying",
			"attempt", attempt, "of", attempts, "backoff", backoff, "error", err)

		if waitErr := sleep(ctx, backoff); waitErr != nil {
			return waitErr
		}

		backoff = nextBackoff(backoff, policy.MaxBackoff)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(attemptCtx)
}

func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}

	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
