package workflow

import "sync"

// Locker serializes work per order id within the process. Cross-process ordering is
// enforced by the store's compare-and-set status update.
type Locker struct {
	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	mu      sync.Mutex
	waiters int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[int64]*keyLock)}
}

// Lock blocks until id is free and returns the matching unlock.
func (l *Locker) Lock(id int64) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &keyLock{}
		l.locks[id] = lock
	}
	lock.waiters++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.waiters--
		if lock.waiters == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
