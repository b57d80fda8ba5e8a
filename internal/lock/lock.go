// Package lock provides the run-in-progress lock that keeps scheduler runs
// from overlapping, within one process or across several.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker acquires a named lock without waiting. When acquired is false the
// lock is held elsewhere and release is nil. The ttl bounds how long a
// crashed holder can keep a distributed lock; local locks ignore it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

var _ Locker = (*LocalLocker)(nil)
