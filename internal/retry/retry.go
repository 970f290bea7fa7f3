// Package retry implements the generic "typed retry behavior as data"
// driver: callers classify their own errors by implementing Retryable, and
// Do composes that per-error policy with a default exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Decision is the outcome of inspecting a failed attempt's error.
type Decision int

const (
	// DecisionExponential lets the default exponential-doubling strategy,
	// seeded from Retryable.DefaultInitialDelay, choose the delay.
	DecisionExponential Decision = iota
	// DecisionBreak gives up immediately; the error is returned as-is.
	DecisionBreak
	// DecisionDelay waits exactly the given duration and retries.
	DecisionDelay
)

// Policy is a tagged value describing how the driver should react to one
// failed attempt. Retryable.CustomRetryPolicy returns a Policy for a given
// error value rather than expressing the decision as control flow, so the
// driver never needs to know about specific error types.
type Policy struct {
	Decision Decision
	Delay    time.Duration
}

// Break reports that this error is fatal for the current call.
func Break() Policy { return Policy{Decision: DecisionBreak} }

// Delay reports that this error should be retried after exactly d.
func Delay(d time.Duration) Policy { return Policy{Decision: DecisionDelay, Delay: d} }

// Exponential defers to the default exponential-backoff schedule.
func Exponential() Policy { return Policy{Decision: DecisionExponential} }

// Retryable is implemented by error types that know their own retry
// behavior. CustomRetryPolicy returns (policy, true) to override the
// default, or (zero, false) to fall back to exponential backoff.
type Retryable interface {
	error
	MaxRetries() uint64
	DefaultInitialDelay() time.Duration
	// LogLevel returns the level at which retries are logged, and whether
	// logging is enabled at all.
	LogLevel() (slog.Level, bool)
	CustomRetryPolicy() (Policy, bool)
}

// Do executes fn, retrying according to the Retryable errors it returns,
// until it succeeds, a policy says to give up, the maximum attempt count is
// reached, or ctx is cancelled.
func Do[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	var bo backoff.BackOff

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		r, ok := err.(Retryable)
		if !ok {
			// Not a typed retryable error: fail fast rather than guess.
			return zero, err
		}

		if bo == nil {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = r.DefaultInitialDelay()
			eb.Multiplier = 2
			eb.MaxElapsedTime = 0
			eb.Reset() // start the schedule from InitialInterval set above
			bo = eb
		}

		attempt++
		if uint64(attempt) > r.MaxRetries() {
			return zero, lastErr
		}

		var wait time.Duration
		if policy, custom := r.CustomRetryPolicy(); custom {
			switch policy.Decision {
			case DecisionBreak:
				return zero, lastErr
			case DecisionDelay:
				wait = policy.Delay
			default:
				wait = bo.NextBackOff()
			}
		} else {
			wait = bo.NextBackOff()
		}

		if level, logEnabled := r.LogLevel(); logEnabled {
			slog.Log(ctx, level, "retrying after error", "attempt", attempt, "wait", wait, "error", lastErr)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
