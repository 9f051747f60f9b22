package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/root-talis/shinka/migration"
)

var errLockHeld = errors.New("lock is held by another session")

const (
	pollInitialInterval = 50 * time.Millisecond
	pollMaxInterval     = 2 * time.Second
)

// PollLock calls try with exponential backoff until it reports the lock as
// acquired, fails, or timeout elapses.
func PollLock(ctx context.Context, name string, timeout time.Duration, try func(context.Context) (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInitialInterval
	b.MaxInterval = pollMaxInterval

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		acquired, err := try(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, errLockHeld
			}
			return struct{}{}, backoff.Permanent(err)
		}
		if !acquired {
			return struct{}{}, errLockHeld
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(timeout),
	)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errLockHeld), errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return fmt.Errorf("%w: %q after %s", migration.ErrLockTimeout, name, timeout)
	default:
		return fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
}
