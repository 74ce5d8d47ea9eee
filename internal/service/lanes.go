package service

import (
	"context"
	"sync"
)

// lane serializes turns of one conversation. Ownership passes to waiters in
// arrival order.
type lane struct {
	busy    bool
	waiters []chan struct{}
}

// lanes holds one lane per conversation with queued or running work. Idle
// lanes are dropped so the map only grows with live conversations.
type lanes struct {
	mu    sync.Mutex
	byKey map[string]*lane
}

func newLanes() *lanes {
	return &lanes{byKey: make(map[string]*lane)}
}

// acquire blocks until the caller owns the lane for key or ctx is done.
func (l *lanes) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	ln, ok := l.byKey[key]
	if !ok {
		ln = &lane{}
		l.byKey[key] = ln
	}
	if !ln.busy {
		ln.busy = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	ln.waiters = append(ln.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	for i, w := range ln.waiters {
		if w == ready {
			ln.waiters = append(ln.waiters[:i], ln.waiters[i+1:]...)
			l.mu.Unlock()
			return ctx.Err()
		}
	}
	l.mu.Unlock()
	// Ownership was handed over while ctx expired; pass it on.
	l.release(key)
	return ctx.Err()
}

// tryAcquire takes the lane only when nothing runs or waits on it.
func (l *lanes) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byKey[key]; ok {
		return false
	}
	l.byKey[key] = &lane{busy: true}
	return true
}

func (l *lanes) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.byKey[key]
	if !ok {
		return
	}
	if len(ln.waiters) > 0 {
		next := ln.waiters[0]
		ln.waiters = ln.waiters[1:]
		close(next)
		return
	}
	delete(l.byKey, key)
}

// queued returns how many turns wait behind the running one.
func (l *lanes) queued(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.byKey[key]; ok {
		return len(ln.waiters)
	}
	return 0
}
