package locking

import "sync"

// MemLock is a Group implementation that uses in-memory locks (mutexes) for mutual
// exclusion. A client shared by several goroutines uses it so that two saves of the
// same key run one after the other, and the second one finds the key already
// stored instead of uploading it again.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*keyLock),
	}
}

func (s *MemLock) DoWithLock(key string, fn func() error) error {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}()
	return fn()
}
