package messaging

import (
	"sync"

	"github.com/google/uuid"
)

// chatLocks hands out one mutex per chat and forgets it once nobody holds it.
type chatLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[uuid.UUID]*chatLock)}
}

func (l *chatLocks) lock(chatID uuid.UUID) (unlock func()) {
	l.mu.Lock()
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, chatID)
		}
		l.mu.Unlock()
	}
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
