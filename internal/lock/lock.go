package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a single key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits for the key.
type KeyedMutex struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{keys: make(map[string]*keyEntry)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, e *keyEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
	m.mu.Unlock()
}

func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
