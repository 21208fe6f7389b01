package oracle

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSignal is returned for a signal that cannot be classified.
var ErrInvalidSignal = errors.New("invalid amendment signal")

// Signal types with a dedicated preparation checklist.
const (
	SignalLegislativeProposal = "legislative_proposal"
	SignalRegulatoryGuidance  = "regulatory_guidance"
	SignalEnforcementAction   = "enforcement_action"
	SignalCourtRuling         = "court_ruling"
)

// Impact is the predicted effect of an amendment.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// AmendmentSignal is an early indicator of a regulatory change.
type AmendmentSignal struct {
	Source       string  `json:"source"`
	SignalType   string  `json:"signal_type"`
	Jurisdiction string  `json:"jurisdiction"`
	Content      string  `json:"content"`
	Confidence   float64 `json:"confidence"`
}

// AmendmentPrediction is a heuristic impact bucket plus a checklist.
type AmendmentPrediction struct {
	Signal           AmendmentSignal `json:"signal"`
	PredictedImpact  Impact          `json:"predicted_impact"`
	PreparationSteps []string        `json:"preparation_steps"`
	PredictedAt      time.Time       `json:"predicted_at"`
}

var preparationSteps = map[string][]string{
	SignalLegislativeProposal: {
		"Track the proposal through the legislative calendar",
		"Map affected rules and evidence requirements",
		"Draft catalog changes behind a new catalog version",
		"Brief compliance owners on expected obligations",
	},
	SignalRegulatoryGuidance: {
		"Compare guidance against current rule interpretations",
		"Update evidence collection procedures where guidance differs",
		"Record the interpretation change in the catalog changelog",
	},
	SignalEnforcementAction: {
		"Audit recent operations for the enforced obligation",
		"Prioritize remediation of matching violations",
		"Review drift history for the affected rules",
		"Notify legal of exposure from comparable operations",
	},
	SignalCourtRuling: {
		"Obtain legal analysis of the ruling's scope",
		"Identify rules whose interpretation the ruling changes",
		"Schedule a retroactive audit over the affected window",
	},
}

var defaultPreparationSteps = []string{
	"Review the signal with compliance owners",
	"Monitor the source for follow-up developments",
}

// PredictAmendment buckets the signal's confidence into an impact level
// (above 0.8 high, above 0.5 medium, otherwise low) and returns the
// checklist for its signal type.
func (o *Oracle) PredictAmendment(sig AmendmentSignal) (*AmendmentPrediction, error) {
	if math.IsNaN(sig.Confidence) || sig.Confidence < 0 || sig.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidSignal, sig.Confidence)
	}

	impact := ImpactLow
	switch {
	case sig.Confidence > 0.8:
		impact = ImpactHigh
	case sig.Confidence > 0.5:
		impact = ImpactMedium
	}

	steps, ok := preparationSteps[sig.SignalType]
	if !ok {
		steps = defaultPreparationSteps
	}
	return &AmendmentPrediction{
		Signal:           sig,
		PredictedImpact:  impact,
		PreparationSteps: append([]string(nil), steps...),
		PredictedAt:      o.clock().UTC(),
	}, nil
}
