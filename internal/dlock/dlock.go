// Package dlock provides scoped per-session locks behind one acquisition
// contract: bounded wait, explicit release, failure surfaced as an error
// rather than an unbounded queue. Two implementations exist because their
// failure characteristics differ: a process-local mutex map for
// single-process deployments and tests, and a Redis-backed lock that
// serializes sessions across processes.
package dlock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the lock could not be taken within the
// wait timeout. Callers raise it; they never queue.
var ErrNotAcquired = errors.New("lock not acquired within wait timeout")

type Locker interface {
	// Acquire takes the named lock, waiting at most waitTimeout. holdTTL
	// bounds how long the lock may be held before the backend reclaims it.
	Acquire(ctx context.Context, name string, holdTTL, waitTimeout time.Duration) (Lock, error)
}

type Lock interface {
	Name() string
	Release(ctx context.Context) error
}
