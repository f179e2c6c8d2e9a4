package flow

import "sync"

// ConversationLocks hands out one mutex per conversation id. The pipeline, the
// scheduler and operator handoffs share one instance so their writes to a
// conversation never interleave within a process. Entries are dropped when the
// last holder releases them.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewConversationLocks creates an empty lock set.
func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*refLock)}
}

// Lock blocks until id is free and returns the matching unlock.
func (c *ConversationLocks) Lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &refLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

// Size returns the number of conversations currently locked or waited on.
func (c *ConversationLocks) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
