package store

import (
	"context"
	"sync"
)

type lifecycleState int

const (
	stateUninitialized lifecycleState = iota
	stateInitialized
	stateClosed
)

// Lifecycle implements the uninitialized -> initialized -> closed state
// machine shared by adapters. Operations hold a read lock for their whole
// duration, so Close waits for in-flight work before releasing the pool.
type Lifecycle struct {
	mu      sync.RWMutex
	state   lifecycleState
	backend BackendKind
}

// NewLifecycle returns a Lifecycle reporting errors for backend.
func NewLifecycle(backend BackendKind) *Lifecycle {
	return &Lifecycle{backend: backend}
}

// Initialize runs init once. Later calls are no-ops; calls after Close fail.
func (l *Lifecycle) Initialize(ctx context.Context, init func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateClosed:
		return NewError(KindClosed, l.backend, "initialize", nil)
	case stateInitialized:
		return nil
	}

	if err := init(ctx); err != nil {
		return err
	}
	l.state = stateInitialized
	return nil
}

// Acquire admits one operation, initializing lazily on first use. The
// returned release must be called when the operation is done.
func (l *Lifecycle) Acquire(ctx context.Context, op string, init func(context.Context) error) (func(), error) {
	for {
		l.mu.RLock()
		switch l.state {
		case stateInitialized:
			return l.mu.RUnlock, nil
		case stateClosed:
			l.mu.RUnlock()
			return nil, NewError(KindClosed, l.backend, op, nil)
		}
		l.mu.RUnlock()

		if err := l.Initialize(ctx, init); err != nil {
			return nil, err
		}
	}
}

// Close moves to the terminal state and runs release once.
func (l *Lifecycle) Close(release func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateClosed {
		return nil
	}
	l.state = stateClosed
	if release == nil {
		return nil
	}
	return release()
}

// Closed reports whether Close has been called.
func (l *Lifecycle) Closed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == stateClosed
}
