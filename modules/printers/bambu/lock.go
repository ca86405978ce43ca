package bambu

import (
	"context"
	"sync"
)

// fifoLock is a mutex with strict first-come-first-served handoff. The
// printer processes AMS writes in arrival order, so commands must hit the
// wire in the order their lock acquisition completed, which sync.Mutex does
// not guarantee under contention.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock blocks until the lock is acquired or ctx is done. A canceled waiter
// leaves the queue without disturbing the order of the others.
func (l *fifoLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	l.waiters = append(l.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-ticket:
		// Unlock handed us the lock while we were canceling; pass it on.
		l.unlockLocked()
		return ctx.Err()
	default:
	}
	for i, w := range l.waiters {
		if w == ticket {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	return ctx.Err()
}

func (l *fifoLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlockLocked()
}

func (l *fifoLock) unlockLocked() {
	if len(l.waiters) == 0 {
		l.held = false
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}
