package store

import (
	"context"
	"sync"
)

// =============================================================================
// ROW LOCKS - Exclusive, keyed, context-bounded
// =============================================================================

// rowLocks hands out one exclusive lock per row key. A waiter gives up when
// its context is done, which is how lock timeouts surface.
type rowLocks struct {
	mu   sync.Mutex
	rows map[string]*rowLock
}

type rowLock struct {
	token chan struct{}
	refs  int // holders + waiters; the entry is dropped at zero
}

func newRowLocks() *rowLocks {
	return &rowLocks{rows: make(map[string]*rowLock)}
}

func (l *rowLocks) acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	rl, ok := l.rows[key]
	if !ok {
		rl = &rowLock{token: make(chan struct{}, 1)}
		l.rows[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, rl)
		return ctx.Err()
	}
}

func (l *rowLocks) release(key string) {
	l.mu.Lock()
	rl := l.rows[key]
	l.mu.Unlock()
	if rl == nil {
		return
	}
	<-rl.token
	l.drop(key, rl)
}

func (l *rowLocks) drop(key string, rl *rowLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.rows, key)
	}
}
