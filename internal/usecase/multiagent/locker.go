package multiagent

import (
	"context"
	"fmt"
	"sync"
)

// sessionLocker serializes operations per session. Continuation tokens are
// only valid for one exchange at a time, so every Service call that touches a
// session's agents holds its lock for the whole call.
type sessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionMutex
}

type sessionMutex struct {
	mu      sync.Mutex
	waiters int
}

func newSessionLocker() *sessionLocker {
	return &sessionLocker{locks: make(map[string]*sessionMutex)}
}

// Lock blocks until the session lock is held or ctx is done. The returned
// unlock func must be called exactly once.
func (l *sessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	l.mu.Lock()
	sm, ok := l.locks[sessionID]
	if !ok {
		sm = &sessionMutex{}
		l.locks[sessionID] = sm
	}
	sm.waiters++
	l.mu.Unlock()

	release := func() {
		sm.mu.Unlock()
		l.mu.Lock()
		sm.waiters--
		if sm.waiters == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		sm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return release, nil
	case <-ctx.Done():
		// The goroutine still owns a pending Lock; release once it lands.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

// active returns the number of sessions with held or pending locks.
func (l *sessionLocker) active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
