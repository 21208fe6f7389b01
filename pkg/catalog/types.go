// Package catalog holds the rule catalog and conflict matrix consumed by the
// reconciliation engine.
//
// A catalog is loaded once at startup, validated, and treated as immutable
// afterwards. Rules are addressed by id; conflicts are addressed by the sorted
// tuple of rule ids they involve.
package catalog

import (
	"strings"
	"time"
)

// JurisdictionGlobal marks a rule that applies regardless of location.
const JurisdictionGlobal = "GLOBAL"

// Rule is a single jurisdictional compliance requirement.
type Rule struct {
	ID               string    `yaml:"id" json:"id"`
	Name             string    `yaml:"name" json:"name"`
	Jurisdiction     string    `yaml:"jurisdiction" json:"jurisdiction"`
	EffectiveDate    time.Time `yaml:"effective_date" json:"effective_date"`
	Applicability    Predicate `yaml:"applicability" json:"applicability"`
	RequiredEvidence []string  `yaml:"required_evidence" json:"required_evidence"`
	// Requirements are the obligations used during harmonization. When
	// empty, RequiredEvidence doubles as the requirement list.
	Requirements []string `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	PublicHealth bool     `yaml:"public_health,omitempty" json:"public_health,omitempty"`
	// OutcomeBuckets names the buckets of the rule's drift distribution.
	// When set, every observed distribution must have this many buckets.
	OutcomeBuckets []string `yaml:"outcome_buckets,omitempty" json:"outcome_buckets,omitempty"`
	// Baseline is the expected drift distribution, seeded into the drift
	// sensor at startup.
	Baseline []float64 `yaml:"baseline,omitempty" json:"baseline,omitempty"`
}

// Obligations returns the requirement list used for harmonization.
func (r *Rule) Obligations() []string {
	if len(r.Requirements) > 0 {
		return r.Requirements
	}
	return r.RequiredEvidence
}

// EffectiveAt reports whether the rule is in force at t. A zero effective
// date or a zero t is always in force.
func (r *Rule) EffectiveAt(t time.Time) bool {
	if r.EffectiveDate.IsZero() || t.IsZero() {
		return true
	}
	return !t.Before(r.EffectiveDate)
}

// Predicate is the applicability condition of a rule. Every non-empty part
// must match; an empty predicate matches every subject.
type Predicate struct {
	Sectors   []string `yaml:"sectors,omitempty" json:"sectors,omitempty"`
	Locations []string `yaml:"locations,omitempty" json:"locations,omitempty"`
	DataTypes []string `yaml:"data_types,omitempty" json:"data_types,omitempty"`
	// Expr is a CEL boolean expression evaluated against the variable `op`.
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// IsEmpty reports whether the predicate has no conditions.
func (p Predicate) IsEmpty() bool {
	return len(p.Sectors) == 0 && len(p.Locations) == 0 && len(p.DataTypes) == 0 && p.Expr == ""
}

// Subject is the view of an operation (live context or historical record)
// that applicability predicates are evaluated against.
type Subject struct {
	Sector     string
	Location   string
	DataTypes  []string
	Evidence   map[string]any
	Attributes map[string]any
}

// celInput renders the subject as the `op` variable for CEL predicates.
func (s Subject) celInput() map[string]any {
	dataTypes := make([]string, len(s.DataTypes))
	copy(dataTypes, s.DataTypes)
	evidence := s.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	attrs := s.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"sector":     s.Sector,
		"location":   s.Location,
		"data_types": dataTypes,
		"evidence":   evidence,
		"attributes": attrs,
	}
}

// Strategy is a conflict resolution strategy.
type Strategy string

const (
	StrategyStrictest    Strategy = "strictest_requirements"
	StrategyTerritorial  Strategy = "territorial_priority"
	StrategyPublicHealth Strategy = "public_health_override"
)

// Strategies lists every resolution strategy.
var Strategies = []Strategy{StrategyStrictest, StrategyTerritorial, StrategyPublicHealth}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	for _, k := range Strategies {
		if s == k {
			return true
		}
	}
	return false
}

// ConflictEntry is one row of the conflict matrix.
type ConflictEntry struct {
	Laws         []string `yaml:"laws" json:"laws"`
	ConflictType string   `yaml:"conflict_type" json:"conflict_type"`
	Severity     float64  `yaml:"severity" json:"severity"`
	Strategy     Strategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Description  string   `yaml:"description" json:"description"`
}

// Key returns the sorted, pipe-joined tuple of laws.
func (e *ConflictEntry) Key() string {
	return TupleKey(e.Laws)
}

func equalFoldAny(v string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
