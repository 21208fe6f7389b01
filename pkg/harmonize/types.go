// Package harmonize resolves the requirements of several simultaneously
// applicable rules into one ordered, de-duplicated requirement list.
//
// Conflicts come from the catalog's conflict matrix; the resolution
// strategy is picked from the operation context, the conflict type and the
// matrix's declared strategy, in that order.
package harmonize

import (
	"slices"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
)

// OperationContext describes the operation being evaluated. It is never
// persisted.
type OperationContext struct {
	Sector        string         `json:"sector,omitempty"`
	Location      string         `json:"location,omitempty"`
	DataTypes     []string       `json:"data_types,omitempty"`
	EmergencyType string         `json:"emergency_type,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Subject returns the predicate view of the context.
func (o OperationContext) Subject() catalog.Subject {
	return catalog.Subject{
		Sector:     o.Sector,
		Location:   o.Location,
		DataTypes:  o.DataTypes,
		Attributes: o.Attributes,
	}
}

// Conflict is the matrix conflict that governed a harmonization.
type Conflict struct {
	ConflictID       string           `json:"conflict_id"`
	LawsInvolved     []string         `json:"laws_involved"`
	ConflictType     string           `json:"conflict_type"`
	Severity         float64          `json:"severity"`
	Description      string           `json:"description"`
	DeclaredStrategy catalog.Strategy `json:"declared_strategy,omitempty"`
	// Related lists every matching matrix key, the governing one first.
	Related []string `json:"related,omitempty"`
}

// Result is the outcome of one harmonization.
type Result struct {
	Conflict             *Conflict        `json:"conflict"`
	StrategyUsed         catalog.Strategy `json:"strategy_used"`
	ResolvedRequirements []string         `json:"resolved_requirements"`
	PriorityOrder        []string         `json:"priority_order"`
	Justification        string           `json:"justification"`
	Confidence           float64          `json:"confidence"`
	// Excluded lists rules dropped before harmonization by a policy check.
	Excluded     []string  `json:"excluded,omitempty"`
	HarmonizedAt time.Time `json:"harmonized_at"`
}

// Entry is the harmonization history record.
type Entry struct {
	Timestamp  time.Time        `json:"timestamp"`
	Laws       []string         `json:"laws"`
	ConflictID string           `json:"conflict_id,omitempty"`
	Strategy   catalog.Strategy `json:"strategy"`
	Confidence float64          `json:"confidence"`
}

// Clone returns a copy that shares no memory with e.
func (e Entry) Clone() Entry {
	e.Laws = slices.Clone(e.Laws)
	return e
}

// Stats summarizes the harmonization history.
type Stats struct {
	TotalHarmonizations int                      `json:"total_harmonizations"`
	ConflictsResolved   int                      `json:"conflicts_resolved"`
	StrategyUsage       map[catalog.Strategy]int `json:"strategy_usage"`
	AverageConfidence   float64                  `json:"average_confidence"`
}
