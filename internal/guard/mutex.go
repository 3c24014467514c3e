package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/mutex/v2"
)

// MutexGuard uses a machine-wide named mutex. The kernel drops the lock
// when the holding process exits, so a crashed run never wedges the next.
type MutexGuard struct {
	clock clock.Clock
	wait  time.Duration
}

// NewMutexGuard returns a guard that waits at most wait for a held lock.
func NewMutexGuard(clk clock.Clock, wait time.Duration) *MutexGuard {
	if clk == nil {
		clk = clock.WallClock
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return &MutexGuard{clock: clk, wait: wait}
}

func (g *MutexGuard) Acquire(ctx context.Context, identity string) (Lease, error) {
	spec := mutex.Spec{
		Name:    lockName(identity),
		Clock:   g.clock,
		Delay:   g.wait,
		Timeout: g.wait,
		Cancel:  ctx.Done(),
	}
	releaser, err := mutex.Acquire(spec)
	switch {
	case err == nil:
		return &mutexLease{releaser: releaser}, nil
	case errors.Is(err, mutex.ErrTimeout):
		return nil, &AlreadyRunningError{Identity: identity}
	case errors.Is(err, mutex.ErrCancelled):
		return nil, fmt.Errorf("acquire run lock %q: %w", spec.Name, ctx.Err())
	default:
		return nil, fmt.Errorf("acquire run lock %q: %w", spec.Name, err)
	}
}

type mutexLease struct {
	releaser mutex.Releaser
}

func (l *mutexLease) Release() error {
	l.releaser.Release()
	return nil
}
