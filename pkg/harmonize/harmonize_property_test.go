//go:build property
// +build property

package harmonize

import (
	"context"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/history"
)

// TestPriorityOrderIsPermutation: priority_order always holds each
// distinct input law exactly once, whatever the strategy.
func TestPriorityOrderIsPermutation(t *testing.T) {
	cat := testCatalog(t,
		&catalog.ConflictEntry{Laws: []string{"gdpr", "bdsg"}, ConflictType: "territorial_scope", Severity: 0.6},
		&catalog.ConflictEntry{Laws: []string{"gdpr", "ihr"}, ConflictType: "minimisation", Severity: 0.7, Strategy: catalog.StrategyPublicHealth},
		&catalog.ConflictEntry{Laws: []string{"A", "B"}, ConflictType: "overlap", Severity: 0.4},
	)
	ids := []string{"A", "B", "gdpr", "bdsg", "ihr", "ccpa"}
	locations := []string{"", "DE", "FR", "US", "US-CA"}
	emergencies := []string{"", "pandemic", "flood"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("priority order is a permutation of the distinct inputs", prop.ForAll(
		func(picks []int, loc, emergency int) bool {
			h := New(cat, history.NewMemoryLog[Entry](history.Retention{MaxEntries: 1}))
			var laws []string
			distinct := map[string]struct{}{}
			for _, p := range picks {
				id := ids[p]
				laws = append(laws, id)
				distinct[id] = struct{}{}
			}
			res, err := h.Harmonize(context.Background(), laws, OperationContext{
				Location:      locations[loc],
				EmergencyType: emergencies[emergency],
			})
			if err != nil {
				return false
			}
			if len(res.PriorityOrder) != len(distinct) {
				return false
			}
			got := append([]string(nil), res.PriorityOrder...)
			sort.Strings(got)
			for i := 1; i < len(got); i++ {
				if got[i] == got[i-1] {
					return false
				}
			}
			for _, id := range got {
				if _, ok := distinct[id]; !ok {
					return false
				}
			}
			return res.Confidence >= 0 && res.Confidence <= 1
		},
		gen.SliceOf(gen.IntRange(0, len(ids)-1)),
		gen.IntRange(0, len(locations)-1),
		gen.IntRange(0, len(emergencies)-1),
	))

	// Conflict-free calls union every requirement with confidence 1.
	plain := testCatalog(t)
	properties.Property("conflict-free harmonization unions requirements", prop.ForAll(
		func(useA, useB, useCCPA bool) bool {
			h := New(plain, history.NewMemoryLog[Entry](history.Retention{MaxEntries: 1}))
			var laws []string
			want := newRequirementSet()
			for _, pick := range []struct {
				on bool
				id string
			}{{useA, "A"}, {useB, "B"}, {useCCPA, "ccpa"}} {
				if !pick.on {
					continue
				}
				laws = append(laws, pick.id)
				r, _ := cat.Rule(pick.id)
				want.add(r.Obligations()...)
			}
			res, err := h.Harmonize(context.Background(), laws, OperationContext{})
			if err != nil || res.Confidence != 1.0 || len(res.ResolvedRequirements) != len(want.items) {
				return false
			}
			for i := range want.items {
				if want.items[i] != res.ResolvedRequirements[i] {
					return false
				}
			}
			return true
		},
		gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.TestingRun(t)
}
