// Package poll provides a cancellable fixed-interval wait.
package poll

import (
	"context"
	"time"
)

// ConditionFunc reports whether polling is done. A non-nil error stops polling.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// Until evaluates cond immediately and then every interval until it is done, it
// fails, or ctx ends. On ctx expiry the context error is returned.
func Until(ctx context.Context, interval time.Duration, cond ConditionFunc) error {
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
