// Package locker provides cluster-wide mutual exclusion keyed by an
// arbitrary string, used to serialize bid placement per auction.
package locker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the lock could not be acquired within the
// bounded retry budget. Callers must treat it as retryable contention, not
// as a domain failure.
var ErrNotAcquired = errors.New("lock not acquired")

// Lock is a held lock. Release is idempotent.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires leases on keys. Acquisition is bounded: implementations
// retry with backoff and give up with ErrNotAcquired.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Local is a single-process Locker backed by per-key mutexes. It satisfies
// the contract for non-distributed deployments and tests.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{} // buffered size 1, token present when free
	refs int
}

// NewLocal creates a Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

func (l *Local) entry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) put(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Acquire blocks until the key is free or ctx expires.
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	e := l.entry(key)
	select {
	case <-e.ch:
		return &localLock{l: l, key: key, e: e}, nil
	case <-ctx.Done():
		l.put(key, e)
		return nil, ErrNotAcquired
	}
}

type localLock struct {
	l    *Local
	key  string
	e    *localEntry
	once sync.Once
}

func (lk *localLock) Release(ctx context.Context) error {
	lk.once.Do(func() {
		lk.e.ch <- struct{}{}
		lk.l.put(lk.key, lk.e)
	})
	return nil
}
