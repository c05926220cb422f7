// Package retry provides an explicit retry policy applied at the call site.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the fixed wait between attempts.
	Delay time.Duration

	// Retryable reports whether an error may be retried. Nil retries everything.
	Retryable func(error) bool

	// Notify is called after a failed attempt, before waiting.
	Notify func(err error, wait time.Duration)
}

// Once is a policy that never retries.
var Once = Policy{MaxAttempts: 1}

// Fixed returns a policy with the given attempts and delay.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// WithRetryable returns a copy of p using the given predicate.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithNotify returns a copy of p using the given notify hook.
func (p Policy) WithNotify(fn func(error, time.Duration)) Policy {
	p.Notify = fn
	return p
}

// Do runs op until it succeeds, the attempts are exhausted, the error is
// not retryable, or ctx is done. The last operation error is returned, or
// the context error when ctx ends first.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	if ctx != nil {
		b = backoff.WithContext(b, ctx)
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.Notify != nil {
		notify = p.Notify
	}

	return backoff.RetryNotify(wrapped, b, notify)
}

// Permanent marks err so that Do stops retrying and returns err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
