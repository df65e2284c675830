package locker

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLocker implements Locker on an etcd cluster via a session-scoped
// mutex. The lease TTL bounds how long a crashed holder can block others.
type EtcdLocker struct {
	client *clientv3.Client
}

// NewEtcdLocker wraps an etcd client.
func NewEtcdLocker(client *clientv3.Client) *EtcdLocker {
	return &EtcdLocker{client: client}
}

func (e *EtcdLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	ttlSeconds := int(ttl / time.Second)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(ttlSeconds), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}

	mutex := concurrency.NewMutex(session, "/locks/"+key)
	if err := mutex.Lock(ctx); err != nil {
		session.Close()
		if ctx.Err() != nil {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("etcd lock %s: %w", key, err)
	}
	return &etcdLock{session: session, mutex: mutex}, nil
}

type etcdLock struct {
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func (l *etcdLock) Release(ctx context.Context) error {
	defer l.session.Close()
	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("etcd unlock: %w", err)
	}
	return nil
}
