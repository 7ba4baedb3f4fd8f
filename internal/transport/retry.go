package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrUnreachable is returned when every attempt of a request failed.
// Callers treat it as a missing reply.
var ErrUnreachable = errors.New("core unreachable")

// RetryPolicy bounds the attempts made for one request.
type RetryPolicy struct {
	Attempts       int           // Attempts is the maximum number of tries, at least 1
	Backoff        time.Duration // Backoff is the wait after the first failure
	MaxBackoff     time.Duration // MaxBackoff caps the doubling backoff
	RequestTimeout time.Duration // RequestTimeout bounds each single attempt
	Clock          clock.Clock   // Clock drives backoff waits, nil for the wall clock
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       4,
		Backoff:        250 * time.Millisecond,
		MaxBackoff:     4 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx ends. Exhaustion returns an error wrapping ErrUnreachable.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	attempts := max(p.Attempts, 1)
	backoff := p.Backoff

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		}

		last = err
		if attempt == attempts {
			break
		}

		timer := clk.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("%w after %d attempts:\n%v", ErrUnreachable, attempts, last)
}

// attempt runs fn once under the per-attempt timeout.
func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.RequestTimeout <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, p.RequestTimeout)
	defer cancel()

	return fn(ctx)
}
