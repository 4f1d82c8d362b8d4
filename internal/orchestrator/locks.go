package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/slok/sbxd/internal/model"
)

type keyLock struct {
	ch   chan struct{}
	refs int
}

// keyedLocker gives one exclusive lock per sandbox ID, entries are dropped when nobody holds or waits on them.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: map[string]*keyLock{}}
}

// Lock blocks until the key lock is acquired or the context ends.
func (k *keyedLocker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, fmt.Errorf("waiting for sandbox %s lock: %w: %w", key, model.ErrRuntimeTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *keyedLocker) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
