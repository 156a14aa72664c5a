package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// RetryPolicy runs an operation up to MaxAttempts times with exponential
// backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Min         time.Duration // delay before the second attempt
	Max         time.Duration
	Factor      float64
}

// DefaultRetryPolicy mirrors the execution defaults: 3 attempts, 500ms base,
// doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, attempts run
// out, or ctx is done. attempt starts at 1.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: p.Factor}
	if b.Factor <= 0 {
		b.Factor = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := b.Duration()
			log.Debug().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("execution: retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("%s: %w", op, perm.err)
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Int("max", attempts).Msg("execution: attempt failed")
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}
