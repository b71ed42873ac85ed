package checkpoint

import "sync"

// threadLocks admits at most one holder per thread ID. A second caller
// is refused rather than queued.
type threadLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newThreadLocks() *threadLocks {
	return &threadLocks{held: make(map[string]struct{})}
}

func (l *threadLocks) tryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *threadLocks) unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
