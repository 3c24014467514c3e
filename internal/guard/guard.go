// Package guard keeps two backup runs for the same host from overlapping.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadyRunning matches every *AlreadyRunningError via errors.Is.
var ErrAlreadyRunning = errors.New("another backup run is already active")

// AlreadyRunningError is fatal: the run stops without retrying or queueing.
type AlreadyRunningError struct {
	Identity string
	// PID of the conflicting process, zero when unknown.
	PID int
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s: %q (pid %d)", ErrAlreadyRunning, e.Identity, e.PID)
	}
	return fmt.Sprintf("%s: %q", ErrAlreadyRunning, e.Identity)
}

func (e *AlreadyRunningError) Is(target error) bool { return target == ErrAlreadyRunning }

// Lease is held for the lifetime of a run. Process exit also releases it.
type Lease interface {
	Release() error
}

// Guard admits at most one run per identity.
type Guard interface {
	Acquire(ctx context.Context, identity string) (Lease, error)
}

type noopLease struct{}

func (noopLease) Release() error { return nil }

// lockName maps an identity onto the restricted name set of a named mutex:
// lowercase letters, digits, '.' and '-', starting with a letter, at most
// 40 characters.
func lockName(identity string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(identity) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.TrimLeft(b.String(), "0123456789.-")
	if name == "" {
		name = "redis-backup"
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}
