package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLog is an in-memory ring of entries. It is the default log and the
// one used by tests.
type MemoryLog[T any] struct {
	mu        sync.RWMutex
	entries   []envelope[T]
	retention Retention
	clock     func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog[T any](retention Retention) *MemoryLog[T] {
	return NewMemoryLogWithClock[T](retention, time.Now)
}

// NewMemoryLogWithClock creates an in-memory log with an injectable clock.
func NewMemoryLogWithClock[T any](retention Retention, clock func() time.Time) *MemoryLog[T] {
	return &MemoryLog[T]{retention: retention, clock: clock}
}

func (m *MemoryLog[T]) Append(_ context.Context, v T) error {
	if c, ok := any(v).(Cloner[T]); ok {
		v = c.Clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.entries = append(m.entries, envelope[T]{ID: uuid.NewString(), Timestamp: now, Value: v})
	m.applyLocked(now)
	return nil
}

func (m *MemoryLog[T]) Tail(_ context.Context, n int) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot(tailOf(m.entries, n)), nil
}

func (m *MemoryLog[T]) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Compact drops entries that aged out since the last append.
func (m *MemoryLog[T]) Compact(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(m.clock()), nil
}

func (m *MemoryLog[T]) applyLocked(now time.Time) int {
	drop := 0
	if cutoff := m.retention.cutoff(now); !cutoff.IsZero() {
		for drop < len(m.entries) && m.entries[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if limit := m.retention.MaxEntries; limit > 0 && len(m.entries)-drop > limit {
		drop = len(m.entries) - limit
	}
	if drop == 0 {
		return 0
	}
	// Copy so the dropped prefix can be collected.
	kept := make([]envelope[T], len(m.entries)-drop)
	copy(kept, m.entries[drop:])
	m.entries = kept
	return drop
}
