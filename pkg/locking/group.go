package locking

// locking.Group is an abstraction for running functions with mutual exclusion
// over cache keys. NoOpGroup and MemLock only act inside one process; FileLock
// also covers processes sharing a lock directory. Writers on different
// machines always race and the remote store decides.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() error) error
}

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. It is the client default.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(_ string, fn func() error) error {
	return fn()
}
