// Package waituntil provides a bounded fixed-interval polling combinator for
// observing eventually-consistent external systems, such as a testnet whose
// nodes join asynchronously. A fixed sleep is flaky under load and an
// unbounded wait can hang a run, so every poll loop in the codebase goes
// through WaitUntil: fixed interval, hard ceiling, typed timeout error.
package waituntil

import (
	"context"
	"fmt"
	"time"
)

// Predicate reports whether the awaited condition holds. The returned detail
// string describes the current progress (for example "12/15 nodes joined")
// and is included in the timeout error when the ceiling is hit.
type Predicate func(ctx context.Context) (done bool, detail string, err error)

// TimeoutError is returned when the ceiling elapses before the predicate
// holds. LastDetail carries the most recent progress observation.
type TimeoutError struct {
	What       string
	Ceiling    time.Duration
	LastDetail string
}

func (e *TimeoutError) Error() string {
	if e.LastDetail == "" {
		return fmt.Sprintf("timed out waiting for %s after %s", e.What, e.Ceiling)
	}
	return fmt.Sprintf("timed out waiting for %s after %s (last observed: %s)", e.What, e.Ceiling, e.LastDetail)
}

// WaitUntil polls pred every interval until it holds, the ceiling elapses, or
// the context is cancelled. The predicate is evaluated once immediately so a
// condition that already holds never waits. A predicate error aborts the wait
// and is returned as-is; hitting the ceiling returns a *TimeoutError.
func WaitUntil(ctx context.Context, what string, pred Predicate, interval, ceiling time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("wait for %s: interval must be positive, got %s", what, interval)
	}
	if ceiling <= 0 {
		return fmt.Errorf("wait for %s: ceiling must be positive, got %s", what, ceiling)
	}

	deadline := time.NewTimer(ceiling)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	lastDetail := ""
	for {
		done, detail, err := pred(ctx)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", what, err)
		}
		if done {
			return nil
		}
		lastDetail = detail

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &TimeoutError{What: what, Ceiling: ceiling, LastDetail: lastDetail}
		case <-tick.C:
		}
	}
}
