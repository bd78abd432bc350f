// Package retry reruns a whole operation a bounded number of times.
package retry

import (
	"context"
	"errors"
)

// Do calls op up to maxAttempts times and returns the first success. Any
// error triggers another attempt immediately, without delay. maxAttempts
// below 1 is treated as 1. A done context or a *Stop error ends the loop
// early; the last error is returned, unwrapped from *Stop.
func Do[T any](ctx context.Context, maxAttempts int, op func(ctx context.Context) (T, error)) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}
		var stop *Stop
		if errors.As(err, &stop) {
			err = stop.Err
			break
		}
		if attempt < maxAttempts && ctx.Err() != nil {
			break
		}
	}
	var zero T
	return zero, err
}

// Stop wraps an error that must not be retried, such as a configuration
// problem that no second attempt can fix.
type Stop struct {
	Err error
}

func (s *Stop) Error() string { return s.Err.Error() }

func (s *Stop) Unwrap() error { return s.Err }
