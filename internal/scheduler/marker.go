package scheduler

import (
	"context"
	"sync"
	"time"
)

// Marker stores the time of the last completed daily reset. The zero time
// means no reset has happened yet.
type Marker interface {
	LastReset(ctx context.Context) (time.Time, error)
	SetLastReset(ctx context.Context, at time.Time) error
}

// MemoryMarker keeps the reset time in process memory. Suitable for a
// single replica and for tests; the Redis cache implements Marker for
// shared deployments.
type MemoryMarker struct {
	mu   sync.RWMutex
	last time.Time
}

// NewMemoryMarker creates an empty marker
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{}
}

// LastReset returns the recorded reset time
func (m *MemoryMarker) LastReset(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

// SetLastReset records a reset time
func (m *MemoryMarker) SetLastReset(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = at
	return nil
}
