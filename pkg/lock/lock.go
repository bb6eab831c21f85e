// Package lock provides keyed mutual exclusion used to serialise writes per
// course and per requester. Implementations must be exclusive for every
// process that can mutate the guarded key.
package lock

import (
	"context"
	"errors"
	"fmt"
)

// ErrTimeout is returned when the context deadline passes before the lock is granted.
var ErrTimeout = errors.New("lock acquisition timed out")

// Release gives the lock back. Calling it more than once is safe.
type Release func()

// Locker grants exclusive access to a key until the returned Release is called.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

func acquireError(ctx context.Context, key string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, key)
	}
	return ctx.Err()
}
