// Package retry drives fallible calls through an explicit outcome per attempt.
//
// The attempt function reports what happened (Ok, RetryAfter, Backoff, Fail)
// and the driver owns the policy: attempt budgets, the backoff curve and
// waiting. Callers never write their own retry loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrExhausted is matched (errors.Is) by errors returned after the retry budget ran out.
var ErrExhausted = errors.New("retry budget exhausted")

type Kind int

const (
	KindOk Kind = iota
	// KindRetryAfter retries after an authoritative delay (e.g. HTTP 429 Retry-After).
	KindRetryAfter
	// KindBackoff retries after an exponential, jittered delay.
	KindBackoff
	// KindFail stops immediately.
	KindFail
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindRetryAfter:
		return "retry_after"
	case KindBackoff:
		return "backoff"
	case KindFail:
		return "fail"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of one attempt.
type Outcome struct {
	Kind  Kind
	After time.Duration
	Err   error
}

func Ok() Outcome { return Outcome{Kind: KindOk} }

func RetryAfter(after time.Duration, err error) Outcome {
	if after < 0 {
		after = 0
	}
	return Outcome{Kind: KindRetryAfter, After: after, Err: err}
}

func Backoff(err error) Outcome { return Outcome{Kind: KindBackoff, Err: err} }

func Fail(err error) Outcome { return Outcome{Kind: KindFail, Err: err} }

// Classify maps an error carrying the markers of this package to an Outcome.
// nil is Ok, NoRetry is Fail, RetryAfterError is RetryAfter, anything else is Backoff.
func Classify(err error) Outcome {
	if err == nil {
		return Ok()
	}
	if IsNoRetry(err) {
		return Fail(err)
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return RetryAfter(ra.RetryAfter(), err)
	}
	return Backoff(err)
}

// Policy bounds the driver.
//
// Defaults (zero values):
//   - MaxAttempts: 3 (counts Backoff retries, including the first attempt)
//   - MaxRetryAfter: 3 (RetryAfter retries, counted separately)
//   - Base: 500ms, MaxDelay: 8s, Jitter: 0.2
type Policy struct {
	MaxAttempts   int
	MaxRetryAfter int
	Base          time.Duration
	MaxDelay      time.Duration
	Jitter        float64

	// OnRetry is called before each wait. Optional.
	OnRetry func(attempt int, o Outcome, wait time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.MaxRetryAfter < 0 {
		p.MaxRetryAfter = 0
	} else if p.MaxRetryAfter == 0 {
		p.MaxRetryAfter = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 8 * time.Second
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// ExhaustedError wraps the last error once a budget ran out.
type ExhaustedError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts (%s): %v", ErrExhausted, e.Attempts, e.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }

// Do runs fn until it returns Ok or Fail, or a budget runs out.
// attempt starts at 1. Waits honor ctx; cancellation returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) Outcome) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p = p.withDefaults()

	var (
		backoffs    int
		retryAfters int
	)
	for attempt := 1; ; attempt++ {
		o := fn(ctx, attempt)

		var wait time.Duration
		switch o.Kind {
		case KindOk:
			return nil
		case KindFail:
			if o.Err == nil {
				return errors.New("retry: attempt failed")
			}
			return o.Err
		case KindRetryAfter:
			retryAfters++
			if retryAfters > p.MaxRetryAfter {
				return &ExhaustedError{Kind: o.Kind, Attempts: attempt, Err: o.Err}
			}
			// Authoritative delay: no jitter, no cap.
			wait = o.After
		default:
			backoffs++
			if backoffs >= p.MaxAttempts {
				return &ExhaustedError{Kind: o.Kind, Attempts: attempt, Err: o.Err}
			}
			wait = p.backoffDelay(backoffs)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, o, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// backoffDelay returns Base*2^(n-1) capped at MaxDelay, with ±Jitter.
func (p Policy) backoffDelay(n int) time.Duration {
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	r := (rand.Float64()*2 - 1) * p.Jitter
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
