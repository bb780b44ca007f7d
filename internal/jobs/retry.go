package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/store"
)

// RetryPolicy is bounded exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	Multiplier  float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// NewRetryPolicy builds the policy from configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Multiplier:  cfg.BackoffMultiplier,
		MinDelay:    cfg.MinDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	bounded := &boundedBackOff{BackOff: b, min: p.MinDelay, max: p.MaxDelay}
	return backoff.WithContext(backoff.WithMaxRetries(bounded, uint64(attempts-1)), ctx)
}

// boundedBackOff clamps every wait to [min, max]. ExponentialBackOff caps the
// interval before jittering it, so its raw waits can leave that range.
type boundedBackOff struct {
	backoff.BackOff
	min, max time.Duration
}

func (b *boundedBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	switch {
	case d == backoff.Stop:
		return d
	case d < b.min:
		return b.min
	case b.max > 0 && d > b.max:
		return b.max
	}
	return d
}

// Do runs op until it succeeds, returns a permanent error, the attempts run out or
// ctx is done. attempt starts at 1. onRetry, when set, is called before each wait.
// The returned error is the last one op returned, unwrapped from backoff.Permanent.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, onRetry func(err error, wait time.Duration)) error {
	attempt := 0
	operation := func() error {
		attempt++
		return classify(op(ctx, attempt))
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

// classify marks errors that no retry can fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrUnknownKind) {
		return backoff.Permanent(err)
	}
	return err
}
