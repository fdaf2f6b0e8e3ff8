// Package retry re-runs storage operations that failed with
// errdefs.ErrStorageUnavailable, using bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"otad/pkg/errdefs"
)

const (
	defaultMaxAttempts     = 4
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// Policy bounds how hard an operation is retried.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. The returned error still wraps
// errdefs.ErrStorageUnavailable when the budget ran out.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	attempts := 0
	operation := func() (T, error) {
		attempts++
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if !errdefs.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(p.MaxAttempts))
	if err == nil {
		return res, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return res, err
	}
	if errdefs.IsRetryable(err) {
		return res, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return res, err
}
