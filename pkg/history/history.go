// Package history provides the append-only logs the engine keeps for drift
// records, patch events, harmonizations and audits.
//
// Every log serializes its own appends and hands out copied snapshots, so
// readers never observe a partially written entry. Persistent logs decode
// fresh values on every read; the in-memory log deep-copies values that
// implement Cloner and copies the rest by value. Retention is bounded by
// entry count and age; in-memory logs enforce it on append, persistent logs
// on Compact.
package history

import (
	"context"
	"time"
)

// Log is an append-only, timestamped sequence of values of one kind.
type Log[T any] interface {
	// Append adds v at the tail of the log.
	Append(ctx context.Context, v T) error
	// Tail returns up to n of the most recent values, oldest first. n <= 0
	// returns every retained value.
	Tail(ctx context.Context, n int) ([]T, error)
	// Len returns the number of retained values.
	Len(ctx context.Context) (int, error)
}

// Cloner is implemented by values that hold slices, maps or pointers.
type Cloner[T any] interface {
	Clone() T
}

// Compactor is implemented by persistent logs that apply retention on
// demand rather than on every append.
type Compactor interface {
	Compact(ctx context.Context) (removed int, err error)
}

// Retention bounds how much history a log keeps. Zero values disable the
// corresponding bound.
type Retention struct {
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	MaxAge     time.Duration `json:"max_age" yaml:"max_age"`
}

// Unbounded reports whether no bound is configured.
func (r Retention) Unbounded() bool {
	return r.MaxEntries <= 0 && r.MaxAge <= 0
}

// cutoff returns the oldest timestamp still retained at now.
func (r Retention) cutoff(now time.Time) time.Time {
	if r.MaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-r.MaxAge)
}

// envelope is the persisted form of one entry.
type envelope[T any] struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Value     T         `json:"value"`
}

func values[T any](entries []envelope[T]) []T {
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// snapshot is values with Cloner values deep-copied.
func snapshot[T any](entries []envelope[T]) []T {
	out := values(entries)
	for i, v := range out {
		if c, ok := any(v).(Cloner[T]); ok {
			out[i] = c.Clone()
		}
	}
	return out
}

func tailOf[T any](entries []envelope[T], n int) []envelope[T] {
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Compact runs retention on l if it supports it.
func Compact(ctx context.Context, l any) (int, error) {
	if c, ok := l.(Compactor); ok {
		return c.Compact(ctx)
	}
	return 0, nil
}
