// Package writeback runs row writes with bounded retry. Transient failures are
// retried with exponential backoff; anything else, or running out of
// attempts, comes back as an apperr.KindTerminal error so callers can roll
// their optimistic change back.
package writeback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"vttsync/internal/apperr"
)

// Policy bounds retries of one write.
type Policy struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultPolicy retries a write up to three times.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

// Writer executes writes under a policy.
type Writer struct {
	policy Policy
	logger *slog.Logger
}

// New returns a Writer. A nil logger uses slog.Default().
func New(policy Policy, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{policy: policy.withDefaults(), logger: logger}
}

// Do runs fn until it succeeds, fails permanently or attempts run out.
func Do[T any](ctx context.Context, w *Writer, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.policy.InitialInterval
	b.MaxInterval = w.policy.MaxInterval

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !apperr.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(w.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn("write failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()))
		}),
	)
	if err == nil {
		return res, nil
	}

	var zero T
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return zero, apperr.Terminal(op+": cancelled", err)
	}
	if apperr.IsTransient(err) {
		return zero, apperr.Terminal(op+": retries exhausted", err)
	}
	return zero, apperr.Terminal(op, err)
}
