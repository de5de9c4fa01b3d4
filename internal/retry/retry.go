// Package retry wraps fallible operations with exponential backoff.
//
// Failures are classified as retryable or terminal: retryable failures are
// retried after an exponentially increasing delay, terminal failures
// propagate immediately. The platform-aware variant additionally honors
// rate-limit responses that carry a server-suggested wait.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/slack-go/slack"
)

const (
	// DefaultBaseDelay seeds the exponential backoff.
	DefaultBaseDelay = 500 * time.Millisecond
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 10 * time.Second
)

// retryableError tags an error as transient.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as retryable. Nil returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err carries the retryable marker.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// RateLimitError is a transport-agnostic rate-limit failure carrying the
// server-suggested wait. Platform adapters that are not Slack wrap their
// native rate-limit errors in this type so WithPlatformRetry can honor them.
type RateLimitError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.After, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Options tunes a retry loop. Zero values take the package defaults.
type Options struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxAttempts bounds the total invocations; 0 means retry until the
	// context is cancelled or the operation stops failing retryably.
	MaxAttempts int

	// IsRetryable classifies failures. Default: the Retryable marker.
	IsRetryable func(error) bool

	// OnRateLimit, if set, is invoked once per rate-limit encounter with the
	// wait about to be honored. Used by WithPlatformRetry.
	OnRateLimit func(wait time.Duration)

	// sleep is injectable for tests; defaults to a context-aware wait.
	sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) applyDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.IsRetryable == nil {
		o.IsRetryable = IsRetryable
	}
	if o.sleep == nil {
		o.sleep = sleepWithContext
	}
}

// WithRetry invokes op, retrying retryable failures with exponential backoff
// seeded at BaseDelay and capped at MaxDelay. Terminal failures propagate
// immediately.
func WithRetry(ctx context.Context, op func() error, opts Options) error {
	opts.applyDefaults()
	return run(ctx, op, opts, false)
}

// WithRetryValue is WithRetry for operations that produce a value. On
// failure the zero value is returned alongside the final error.
func WithRetryValue[T any](ctx context.Context, op func() (T, error), opts Options) (T, error) {
	var out T
	err := WithRetry(ctx, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// WithPlatformRetry is WithRetry for chat-platform calls: it additionally
// treats rate-limit responses as retryable and, when the response carries a
// server-suggested wait, that wait takes precedence over the computed
// backoff delay. OnRateLimit fires once per encounter before the wait.
func WithPlatformRetry(ctx context.Context, op func() error, opts Options) error {
	opts.applyDefaults()
	return run(ctx, op, opts, true)
}

func run(ctx context.Context, op func() error, opts Options, platform bool) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		wait, retryable := classify(err, opts, platform, attempt)
		if !retryable {
			return err
		}
		if opts.MaxAttempts > 0 && attempt+1 >= opts.MaxAttempts {
			return err
		}
		if err := opts.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// classify decides whether err is retryable and which delay applies.
func classify(err error, opts Options, platform bool, attempt int) (time.Duration, bool) {
	computed := backoffDelay(opts.BaseDelay, opts.MaxDelay, attempt)

	if platform {
		if after, ok := rateLimitWait(err); ok {
			wait := after
			if wait <= 0 {
				wait = computed
			}
			if opts.OnRateLimit != nil {
				opts.OnRateLimit(wait)
			}
			return wait, true
		}
	}

	if opts.IsRetryable(err) {
		return computed, true
	}
	return 0, false
}

// rateLimitWait extracts a server-suggested wait from a rate-limit error.
func rateLimitWait(err error) (time.Duration, bool) {
	var slackErr *slack.RateLimitedError
	if errors.As(err, &slackErr) {
		return slackErr.RetryAfter, true
	}
	var generic *RateLimitError
	if errors.As(err, &generic) {
		return generic.After, true
	}
	return 0, false
}

// backoffDelay computes base * 2^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * base
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// sleepWithContext waits for d, returning early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
