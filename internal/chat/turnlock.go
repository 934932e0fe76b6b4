package chat

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// turnLocks serializes turns on one thread inside this process. A waiting
// turn blocks until the holder releases or its context ends.
type turnLocks struct {
	mu    sync.Mutex
	turns map[string]*turn
}

type turn struct {
	sem  *semaphore.Weighted
	refs int
}

func (l *turnLocks) lock(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	if l.turns == nil {
		l.turns = make(map[string]*turn)
	}
	t := l.turns[threadID]
	if t == nil {
		t = &turn{sem: semaphore.NewWeighted(1)}
		l.turns[threadID] = t
	}
	t.refs++
	l.mu.Unlock()

	if !t.sem.TryAcquire(1) {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			l.leave(threadID, t)
			return nil, err
		}
	}
	return func() {
		t.sem.Release(1)
		l.leave(threadID, t)
	}, nil
}

func (l *turnLocks) leave(threadID string, t *turn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.refs--
	if t.refs == 0 {
		delete(l.turns, threadID)
	}
}

// pending is the number of turns holding or waiting for threadID.
func (l *turnLocks) pending(threadID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t := l.turns[threadID]; t != nil {
		return t.refs
	}
	return 0
}
