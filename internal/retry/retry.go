// Package retry wraps operations with bounded, fixed-delay retries. Two
// policies exist in practice: a per-call policy around a single agent
// invocation and a per-unit policy around a whole account pipeline run.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded constant-delay retry policy. MaxAttempts counts total
// attempts, so MaxAttempts-1 delays are observed on a permanently failing
// operation.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Do runs fn under the policy, returning nil on the first success or the
// last error once attempts are exhausted. Every failed attempt and the
// terminal failure are logged under the operation name. Callers decide what
// counts as failure; a context cancellation stops retrying immediately.
func Do(ctx context.Context, name string, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, name, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, name string, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && attempt >= attempts {
			// Exhausted: stop backoff from scheduling another wait.
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, next time.Duration) {
		slog.Warn("operation failed, will retry",
			"operation", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"retry_in", next,
			"error", err,
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1)),
		ctx,
	)

	v, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		slog.Error("operation failed permanently",
			"operation", name,
			"attempts", attempt,
			"error", err,
		)
		return v, fmt.Errorf("%s failed after %d attempts: %w", name, attempt, err)
	}
	return v, nil
}
