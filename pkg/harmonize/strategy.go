package harmonize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
)

// resolution is what a strategy produces.
type resolution struct {
	order        []string
	requirements []string
	factor       string
}

type resolver func(h *Harmonizer, rules []*catalog.Rule, octx OperationContext) resolution

var resolvers = map[catalog.Strategy]resolver{
	catalog.StrategyStrictest:    resolveStrictest,
	catalog.StrategyTerritorial:  resolveTerritorial,
	catalog.StrategyPublicHealth: resolvePublicHealth,
}

func init() {
	for _, s := range catalog.Strategies {
		if _, ok := resolvers[s]; !ok {
			panic(fmt.Sprintf("harmonize: strategy %q has no resolver", s))
		}
	}
}

func resolveStrictest(_ *Harmonizer, rules []*catalog.Rule, _ OperationContext) resolution {
	set := newRequirementSet()
	order := make([]string, 0, len(rules))
	for _, r := range rules {
		order = append(order, r.ID)
		set.add(r.Obligations()...)
	}
	return resolution{
		order:        order,
		requirements: set.items,
		factor:       "all constraints are cumulative",
	}
}

func resolveTerritorial(h *Harmonizer, rules []*catalog.Rule, octx OperationContext) resolution {
	type ranked struct {
		rule *catalog.Rule
		rank int
	}
	rs := make([]ranked, len(rules))
	for i, r := range rules {
		rs[i] = ranked{rule: r, rank: h.catalog.Rank(octx.Location, r.Jurisdiction)}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].rank > rs[j].rank })

	set := newRequirementSet()
	order := make([]string, 0, len(rs))
	for _, r := range rs {
		order = append(order, r.rule.ID)
		set.add(r.rule.Obligations()...)
	}

	top := rs[0]
	factor := fmt.Sprintf("%s (jurisdiction %s, %s match) is authoritative for location %q",
		top.rule.ID, top.rule.Jurisdiction, rankName(top.rank), octx.Location)
	if top.rank == catalog.RankNone {
		factor = fmt.Sprintf("no jurisdiction matches location %q; input order kept", octx.Location)
	}
	return resolution{order: order, requirements: set.items, factor: factor}
}

func resolvePublicHealth(_ *Harmonizer, rules []*catalog.Rule, octx OperationContext) resolution {
	var health, rest []*catalog.Rule
	for _, r := range rules {
		if r.PublicHealth {
			health = append(health, r)
		} else {
			rest = append(rest, r)
		}
	}

	set := newRequirementSet()
	order := make([]string, 0, len(rules))
	healthIDs := make([]string, 0, len(health))
	for _, r := range health {
		order = append(order, r.ID)
		healthIDs = append(healthIDs, r.ID)
		set.add(r.Obligations()...)
	}
	for _, r := range rest {
		order = append(order, r.ID)
		set.add(r.Obligations()...)
	}

	factor := fmt.Sprintf("emergency %q puts public-health rules %s first; other rules supplement them",
		octx.EmergencyType, strings.Join(healthIDs, ", "))
	if len(health) == 0 {
		factor = fmt.Sprintf("emergency %q declared but no public-health rule applies; input order kept", octx.EmergencyType)
	}
	return resolution{order: order, requirements: set.items, factor: factor}
}

func rankName(rank int) string {
	switch rank {
	case catalog.RankExact:
		return "exact"
	case catalog.RankRegional:
		return "regional"
	case catalog.RankGlobal:
		return "global"
	default:
		return "no"
	}
}
