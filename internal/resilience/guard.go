package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Guard applies the oracle call policy: a per-attempt timeout retried exactly
// once, transient failures retried with backoff, and a circuit breaker in
// front of every attempt.
type Guard struct {
	Retry   RetryConfig
	Breaker *CircuitBreaker
	Timeout time.Duration
}

// CallResult describes how a guarded call went.
type CallResult struct {
	Attempts int
	TimedOut int
}

// Call runs fn under g. A second consecutive timeout returns an error that
// satisfies IsTimeout. Exhausted transient retries return the last error.
func Call[T any](ctx context.Context, g Guard, fn func(ctx context.Context) (T, error)) (T, CallResult, error) {
	var res CallResult
	var zero T

	attempt := func(ctx context.Context) (T, error) {
		res.Attempts++
		callCtx := ctx
		cancel := func() {}
		if g.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		}
		defer cancel()

		run := fn
		if g.Breaker != nil {
			run = func(c context.Context) (T, error) { return ExecuteVal(c, g.Breaker, fn) }
		}
		val, err := run(callCtx)
		return val, classifyDeadline(ctx, err)
	}

	for {
		val, err := DoVal(ctx, g.Retry, attempt)
		if err == nil {
			return val, res, nil
		}
		if !IsTimeout(err) {
			return zero, res, err
		}
		res.TimedOut++
		if res.TimedOut > 1 {
			return zero, res, err
		}
		zap.L().Warn("oracle call timed out, retrying once", zap.Duration("timeout", g.Timeout))
	}
}
