package drift

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/history"
)

// BaselineStore holds the expected distribution per rule.
type BaselineStore interface {
	Baseline(ruleID string) (Distribution, bool)
	SetBaseline(ctx context.Context, ruleID string, d Distribution) error
}

// MemoryBaselines is a concurrency-safe in-memory BaselineStore.
type MemoryBaselines struct {
	mu   sync.RWMutex
	data map[string]Distribution
}

func NewMemoryBaselines() *MemoryBaselines {
	return &MemoryBaselines{data: make(map[string]Distribution)}
}

func (m *MemoryBaselines) Baseline(ruleID string) (Distribution, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[ruleID]
	if !ok {
		return nil, false
	}
	return slices.Clone(d), true
}

func (m *MemoryBaselines) SetBaseline(_ context.Context, ruleID string, d Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ruleID] = slices.Clone(d)
	return nil
}

// BaselineEntry is the persisted form of one baseline change.
type BaselineEntry struct {
	RuleID       string       `json:"rule_id"`
	Distribution Distribution `json:"distribution"`
	SetAt        time.Time    `json:"set_at"`
}

// Clone returns a copy that shares no memory with e.
func (e BaselineEntry) Clone() BaselineEntry {
	e.Distribution = slices.Clone(e.Distribution)
	return e
}

// LogBaselines is a BaselineStore persisted as an append-only log. The
// latest entry per rule wins. The log must not be subject to retention,
// or baselines are lost on compaction.
type LogBaselines struct {
	mem   *MemoryBaselines
	log   history.Log[BaselineEntry]
	clock func() time.Time
}

// NewLogBaselines replays log into memory.
func NewLogBaselines(ctx context.Context, log history.Log[BaselineEntry]) (*LogBaselines, error) {
	entries, err := log.Tail(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("replay baselines: %w", err)
	}
	mem := NewMemoryBaselines()
	for _, e := range entries {
		mem.data[e.RuleID] = e.Distribution
	}
	return &LogBaselines{mem: mem, log: log, clock: time.Now}, nil
}

func (b *LogBaselines) Baseline(ruleID string) (Distribution, bool) {
	return b.mem.Baseline(ruleID)
}

// SetBaseline appends the baseline before making it visible. An unchanged
// baseline is not appended again.
func (b *LogBaselines) SetBaseline(ctx context.Context, ruleID string, d Distribution) error {
	if cur, ok := b.mem.Baseline(ruleID); ok && slices.Equal(cur, d) {
		return nil
	}
	entry := BaselineEntry{RuleID: ruleID, Distribution: slices.Clone(d), SetAt: b.clock()}
	if err := b.log.Append(ctx, entry); err != nil {
		return err
	}
	return b.mem.SetBaseline(ctx, ruleID, d)
}

// Len returns the number of rules with a baseline.
func (b *LogBaselines) Len() int {
	b.mem.mu.RLock()
	defer b.mem.mu.RUnlock()
	return len(b.mem.data)
}
