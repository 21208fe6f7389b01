package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New("1.0.0", []*Rule{
		{ID: "eu-rule", Jurisdiction: "EU"},
		{ID: "de-rule", Jurisdiction: "DE"},
		{ID: "us-rule", Jurisdiction: "US"},
		{ID: "global-rule", Jurisdiction: JurisdictionGlobal},
	}, map[string][]string{"eu": {"de", "fr"}})
	require.NoError(t, err)
	return c
}

func TestCatalog_Rule(t *testing.T) {
	c := mustCatalog(t)

	r, err := c.Rule("de-rule")
	require.NoError(t, err)
	assert.Equal(t, "DE", r.Jurisdiction)
	assert.True(t, c.Has("us-rule"))

	_, err = c.Rule("missing")
	require.Error(t, err)
	var ure *UnknownRuleError
	require.True(t, errors.As(err, &ure))
	assert.Equal(t, "missing", ure.RuleID)
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestCatalog_RulesPreservesOrder(t *testing.T) {
	c := mustCatalog(t)
	var ids []string
	for _, r := range c.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"eu-rule", "de-rule", "us-rule", "global-rule"}, ids)
}

func TestCatalog_Rank(t *testing.T) {
	c := mustCatalog(t)

	tests := []struct {
		location, jurisdiction string
		want                   int
	}{
		{"DE", "DE", RankExact},
		{"de", "DE", RankExact},
		{"DE", "EU", RankRegional},
		{"DE-BY", "EU", RankRegional},
		{"US-CA", "US", RankRegional},
		{"US-CA", "GLOBAL", RankGlobal},
		{"BR", "EU", RankNone},
		{"", "EU", RankNone},
		{"", "GLOBAL", RankGlobal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Rank(tt.location, tt.jurisdiction), "%s vs %s", tt.location, tt.jurisdiction)
	}
}

func TestCatalog_AttachMatrixRejectsUnknownLaws(t *testing.T) {
	c := mustCatalog(t)
	m := NewConflictMatrix()
	require.NoError(t, m.Add(&ConflictEntry{Laws: []string{"eu-rule", "nope"}, ConflictType: "scope", Severity: 0.4}))

	err := c.AttachMatrix(m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRule)
}

func TestNew_RejectsBadVersion(t *testing.T) {
	_, err := New("latest", nil, nil)
	require.Error(t, err)
}

func TestRule_EffectiveAt(t *testing.T) {
	r := &Rule{EffectiveDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	assert.False(t, r.EffectiveAt(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.EffectiveAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.EffectiveAt(time.Time{}))
	assert.True(t, (&Rule{}).EffectiveAt(time.Now()))
}

func TestConflictMatrix_Add(t *testing.T) {
	m := NewConflictMatrix()
	require.NoError(t, m.Add(&ConflictEntry{Laws: []string{"b", "a"}, Severity: 0.3}))

	e, ok := m.Lookup([]string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, e.Laws)
	assert.Equal(t, "a|b", e.Key())

	assert.Error(t, m.Add(&ConflictEntry{Laws: []string{"a", "b"}, Severity: 0.1}), "duplicate tuple")
	assert.Error(t, m.Add(&ConflictEntry{Laws: []string{"a"}, Severity: 0.1}), "single law")
	assert.Error(t, m.Add(&ConflictEntry{Laws: []string{"a", "a"}, Severity: 0.1}), "repeated law")
	assert.Error(t, m.Add(&ConflictEntry{Laws: []string{"c", "d"}, Severity: -0.1}), "negative severity")
	assert.Error(t, m.Add(&ConflictEntry{Laws: []string{"c", "d"}, Severity: 0.2, Strategy: "coin_flip"}), "unknown strategy")
	assert.Error(t, m.Add(nil))
}

func TestConflictMatrix_Matching(t *testing.T) {
	m := NewConflictMatrix()
	require.NoError(t, m.Add(&ConflictEntry{Laws: []string{"a", "b"}, Severity: 0.4}))
	require.NoError(t, m.Add(&ConflictEntry{Laws: []string{"a", "c"}, Severity: 0.9}))
	require.NoError(t, m.Add(&ConflictEntry{Laws: []string{"b", "c"}, Severity: 0.4}))
	require.NoError(t, m.Add(&ConflictEntry{Laws: []string{"a", "b", "c", "d"}, Severity: 1}))

	got := m.Matching([]string{"c", "b", "a"})
	require.Len(t, got, 3)
	assert.Equal(t, "a|c", got[0].Key())
	assert.Equal(t, "a|b", got[1].Key())
	assert.Equal(t, "b|c", got[2].Key())

	assert.Empty(t, m.Matching([]string{"a"}))
}

func TestTupleKey_DoesNotMutateInput(t *testing.T) {
	in := []string{"z", "a"}
	assert.Equal(t, "a|z", TupleKey(in))
	assert.Equal(t, []string{"z", "a"}, in)
}
