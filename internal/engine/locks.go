package engine

import "sync"

// userLocks hands out one mutex per user.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the user's mutex is held and returns its release.
func (l *userLocks) Lock(userId string) func() {
	l.mu.Lock()
	m, ok := l.locks[userId]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userId] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
