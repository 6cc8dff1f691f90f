// Package lock serializes provisioning runs per fqdn across processes.
//
// Acquire returns sentinel.ErrLocked when another holder owns the key. The
// returned release func is safe to call once the run ends, whether it
// succeeded or failed.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"provisioner/pkg/platform/sentinel"
)

// Release gives up a held lock.
type Release func(ctx context.Context) error

// MemoryLocker is a process-local locker for tests and single-instance runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	clock func() time.Time
}

type memoryHold struct {
	token     string
	expiresAt time.Time
}

// NewMemory creates an in-process locker.
func NewMemory() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryHold), clock: time.Now}
}

// Acquire takes key for ttl.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, sentinel.ErrLocked
	}
	token := uuid.NewString()
	l.held[key] = memoryHold{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
