package connection

import (
	"context"
	"sync"
)

// latch is a resettable broadcast signal. Done returns a channel that is closed
// while the latch is set; Clear arms a fresh channel.
type latch struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newLatch(set bool) *latch {
	l := &latch{mu: sync.Mutex{}, ch: make(chan struct{}), set: false}
	if set {
		l.Set()
	}
	return l
}

func (l *latch) Set() {
	l.mu.Lock()
	if !l.set {
		close(l.ch)
		l.set = true
	}
	l.mu.Unlock()
}

func (l *latch) Clear() {
	l.mu.Lock()
	if l.set {
		l.ch = make(chan struct{})
		l.set = false
	}
	l.mu.Unlock()
}

func (l *latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

func (l *latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

func (l *latch) Wait(ctx context.Context) error {
	select {
	case <-l.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
