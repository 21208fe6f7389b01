package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// TupleKey returns the canonical key for a set of rule ids.
func TupleKey(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}

// ConflictMatrix maps sorted rule-id tuples to declared conflicts.
type ConflictMatrix struct {
	Version string
	entries map[string]*ConflictEntry
}

// NewConflictMatrix returns an empty matrix.
func NewConflictMatrix() *ConflictMatrix {
	return &ConflictMatrix{entries: make(map[string]*ConflictEntry)}
}

// Add validates and inserts an entry.
func (m *ConflictMatrix) Add(e *ConflictEntry) error {
	if e == nil {
		return fmt.Errorf("nil conflict entry")
	}
	if len(e.Laws) < 2 {
		return fmt.Errorf("conflict needs at least two laws, got %v", e.Laws)
	}
	seen := make(map[string]struct{}, len(e.Laws))
	for _, id := range e.Laws {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("conflict %v lists %q twice", e.Laws, id)
		}
		seen[id] = struct{}{}
	}
	if e.Severity < 0 || e.Severity > 1 {
		return fmt.Errorf("conflict %s severity %.3f outside [0,1]", e.Key(), e.Severity)
	}
	if e.Strategy != "" && !e.Strategy.Valid() {
		return fmt.Errorf("conflict %s declares unknown strategy %q", e.Key(), e.Strategy)
	}
	key := e.Key()
	if _, dup := m.entries[key]; dup {
		return fmt.Errorf("duplicate conflict %s", key)
	}
	laws := make([]string, len(e.Laws))
	copy(laws, e.Laws)
	sort.Strings(laws)
	e.Laws = laws
	m.entries[key] = e
	return nil
}

// Len returns the number of entries.
func (m *ConflictMatrix) Len() int { return len(m.entries) }

// Entries returns all entries sorted by key.
func (m *ConflictMatrix) Entries() []*ConflictEntry {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*ConflictEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k])
	}
	return out
}

// Lookup returns the entry for exactly this set of laws.
func (m *ConflictMatrix) Lookup(ids []string) (*ConflictEntry, bool) {
	e, ok := m.entries[TupleKey(ids)]
	return e, ok
}

// Matching returns every entry whose laws are all contained in ids, ordered
// by severity (highest first) and then by key.
func (m *ConflictMatrix) Matching(ids []string) []*ConflictEntry {
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}

	var out []*ConflictEntry
	for _, e := range m.Entries() {
		all := true
		for _, law := range e.Laws {
			if _, ok := present[law]; !ok {
				all = false
				break
			}
		}
		if all {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity > out[j].Severity
	})
	return out
}
