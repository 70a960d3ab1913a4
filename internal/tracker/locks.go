package tracker

import (
	"context"
	"fmt"
	"sync"

	"github.com/whitelie/whitelie/internal/storage"
)

// lock serializes an operation on userID inside this process and, when the
// store is shared between processes, across them. Store calls made with the
// returned context run under the held lock.
func (s *Service) lock(ctx context.Context, userID string) (context.Context, func(), error) {
	unlock := s.locks.lock(userID)
	l, ok := s.store.(storage.UserLocker)
	if !ok {
		return ctx, unlock, nil
	}
	held, release, err := l.LockUser(ctx, userID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("lock user %s: %w", userID, err)
	}
	return held, func() {
		release()
		unlock()
	}, nil
}

// userLocks serializes read-modify-write sequences per user. Entries are
// reference counted and dropped when the last holder unlocks, so the map
// only holds users with operations in flight.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*lockEntry)}
}

// lock blocks until userID is free and returns the matching unlock.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &lockEntry{}
		l.entries[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, userID)
		}
		l.mu.Unlock()
	}
}

// size reports how many users currently hold or wait on a lock.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
