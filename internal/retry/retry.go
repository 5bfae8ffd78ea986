// Package retry provides the bounded retry-with-backoff policy used for
// repository transfers.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yairfalse/geoingest/internal/config"
	"github.com/yairfalse/geoingest/internal/telemetry"
	"github.com/yairfalse/geoingest/pkg/layer"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	Attempts        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	logger          *telemetry.Logger
}

// FromConfig builds a Policy from the repository retry settings.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		Attempts:        cfg.Attempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		logger:          telemetry.NewLogger("retry"),
	}
}

// Once is a policy that never retries.
func Once() Policy {
	return Policy{Attempts: 1}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Only retryable layer error kinds are retried.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := Value(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	operation := func() (T, error) {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !layer.KindOf(err).Retryable() {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		if p.logger == nil {
			return
		}
		p.logger.WithContext(ctx).Warn().
			Err(err).
			Str("operation", op).
			Dur("wait", wait).
			Msg("retrying")
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(notify),
	)
}
