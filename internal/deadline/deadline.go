// Package deadline bounds a blocking call by a timer.
//
// context.WithTimeout alone is not enough: it only helps if the callee
// honours ctx. A gateway that hangs on a dead socket would still block the
// caller forever, and the UI would sit on a spinner. Run starts fn in its own
// goroutine and returns as soon as either fn finishes or the timer fires.
// fn's context is cancelled once Run returns, but a callee that ignores it
// keeps running (there is no real cancellation of the underlying request);
// its late result is discarded.
package deadline

import (
	"context"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
)

type result[T any] struct {
	val T
	err error
}

// Run calls fn with a context that expires after d and returns its result,
// or an apperror.ErrTimeout naming op if d elapses first. A non-positive d
// disables the bound.
func Run[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	// Buffered so the goroutine never blocks on send after we stop listening.
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.val, r.err
	case <-timer.C:
		var zero T
		return zero, apperror.Timeout(op)
	case <-ctx.Done():
		// Parent cancelled (or our own deadline raced the timer). A result
		// that is already in wins.
		select {
		case r := <-done:
			return r.val, r.err
		default:
		}
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, apperror.Timeout(op)
		}
		return zero, ctx.Err()
	}
}
