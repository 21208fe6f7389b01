package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileLog persists entries as JSON lines, one entry per line.
type FileLog[T any] struct {
	path      string
	mu        sync.Mutex
	retention Retention
	clock     func() time.Time
}

// NewFileLog opens (or creates) a JSONL log at path.
func NewFileLog[T any](path string, retention Retention) (*FileLog[T], error) {
	return NewFileLogWithClock[T](path, retention, time.Now)
}

// NewFileLogWithClock opens a JSONL log with an injectable clock.
func NewFileLogWithClock[T any](path string, retention Retention, clock func() time.Time) (*FileLog[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	_ = f.Close()
	return &FileLog[T]{path: path, retention: retention, clock: clock}, nil
}

func (l *FileLog[T]) Append(_ context.Context, v T) error {
	line, err := json.Marshal(envelope[T]{ID: uuid.NewString(), Timestamp: l.clock().UTC(), Value: v})
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("history: open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("history: write %s: %w", l.path, err)
	}
	return nil
}

func (l *FileLog[T]) Tail(_ context.Context, n int) ([]T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked()
	if err != nil {
		return nil, err
	}
	return values(tailOf(entries, n)), nil
}

func (l *FileLog[T]) Len(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Compact rewrites the file keeping only retained entries. The rewrite goes
// through a temp file and a rename so a crash never leaves a torn log.
func (l *FileLog[T]) Compact(_ context.Context) (int, error) {
	if l.retention.Unbounded() {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readLocked()
	if err != nil {
		return 0, err
	}

	drop := 0
	if cutoff := l.retention.cutoff(l.clock()); !cutoff.IsZero() {
		for drop < len(entries) && entries[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if limit := l.retention.MaxEntries; limit > 0 && len(entries)-drop > limit {
		drop = len(entries) - limit
	}
	if drop == 0 {
		return 0, nil
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("history: compact: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries[drop:] {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("history: compact encode: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("history: compact flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("history: compact close: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return 0, fmt.Errorf("history: compact rename: %w", err)
	}
	return drop, nil
}

func (l *FileLog[T]) readLocked() ([]envelope[T], error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []envelope[T]
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e envelope[T]
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("history: %s line %d: %w", l.path, lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: read %s: %w", l.path, err)
	}
	return entries, nil
}
