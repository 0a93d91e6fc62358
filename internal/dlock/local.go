package dlock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Local serializes sessions within one process. Held locks die with the
// process, so holdTTL is not enforced here.
type Local struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{sems: make(map[string]chan struct{})}
}

func (l *Local) sem(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[name] = sem
	}
	return sem
}

func (l *Local) Acquire(ctx context.Context, name string, _, waitTimeout time.Duration) (Lock, error) {
	sem := l.sem(name)

	// Uncontended acquisition must succeed even with a zero wait budget.
	select {
	case sem <- struct{}{}:
		return &localLock{name: name, sem: sem}, nil
	default:
	}

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return &localLock{name: name, sem: sem}, nil
	case <-timer.C:
		return nil, fmt.Errorf("lock %q: %w", name, ErrNotAcquired)
	case <-ctx.Done():
		return nil, fmt.Errorf("lock %q: %w", name, ctx.Err())
	}
}

type localLock struct {
	name string
	sem  chan struct{}
	once sync.Once
}

func (l *localLock) Name() string { return l.name }

func (l *localLock) Release(context.Context) error {
	l.once.Do(func() { <-l.sem })
	return nil
}
