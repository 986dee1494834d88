// Package resource implements the connection-limit guard described in §5.
// Each Engine holds its own Limiter; nothing here is shared process-wide.
package resource

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultConnectionLimit is used when Initialize is called with limit <= 0.
const DefaultConnectionLimit = 64

// Limiter bounds the number of concurrent object-store operations the
// engine issues, set once via Initialize (idempotent) and enforced by
// Acquire/Release around every Engine operation (one slot per operation,
// however many network calls it makes).
type Limiter struct {
	mu  sync.Mutex
	sem *semaphore.Weighted
}

// NewLimiter creates a Limiter with no bound configured. Acquire/Release
// are no-ops until Initialize runs.
func NewLimiter() *Limiter {
	return &Limiter{}
}

// Initialize sets the bound on concurrent operations to limit, once per
// Limiter. Subsequent calls short-circuit regardless of the limit
// argument, matching connection_limit_set's idempotence in §5. It does
// not change any object-store client's connection pool.
func (l *Limiter) Initialize(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sem != nil {
		return
	}
	if limit <= 0 {
		limit = DefaultConnectionLimit
	}
	l.sem = semaphore.NewWeighted(int64(limit))
}

// Acquire blocks until a connection slot is available or ctx is
// canceled. A no-op if Initialize has not yet run.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	sem := l.sem
	l.mu.Unlock()
	if sem == nil {
		return nil
	}
	return sem.Acquire(ctx, 1)
}

// Release returns a connection slot acquired via Acquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	sem := l.sem
	l.mu.Unlock()
	if sem == nil {
		return
	}
	sem.Release(1)
}

// Initialized reports whether Initialize has already run.
func (l *Limiter) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sem != nil
}
