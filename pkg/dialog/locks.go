package dialog

import (
	"context"
	"sync"
)

// chatLocks serializes work per dialog key inside one process. Entries are
// reference counted and removed once nobody holds or waits for them.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	ch   chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*chatLock)}
}

// acquire blocks until the lock for key is held or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (c *chatLocks) acquire(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &chatLock{ch: make(chan struct{}, 1)}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		c.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			c.release(key, l)
		})
	}, nil
}

func (c *chatLocks) release(key string, l *chatLock) {
	c.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, key)
	}
	c.mu.Unlock()
}

func (c *chatLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
