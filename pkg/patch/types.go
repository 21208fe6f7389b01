// Package patch synthesizes remediation patches for rules whose drift has
// turned critical and tracks each patch through its apply lifecycle.
package patch

import (
	"errors"
	"fmt"
	"time"
)

// Type classifies a patch by how far the rule has drifted.
type Type string

const (
	TypeRuleUpdate          Type = "rule_update"
	TypeThresholdAdjustment Type = "threshold_adjustment"
	TypeNewRequirement      Type = "new_requirement"
)

// Urgency of a patch.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Status is the validation status of a patch.
type Status string

const (
	StatusGenerated Status = "generated"
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
)

// CompliancePatch is a generated remediation description for one rule.
type CompliancePatch struct {
	PatchID            string     `json:"patch_id"`
	RuleID             string     `json:"rule_id"`
	DivergenceScore    float64    `json:"divergence_score"`
	PatchType          Type       `json:"patch_type"`
	Urgency            Urgency    `json:"urgency"`
	RecommendedActions []string   `json:"recommended_actions"`
	ValidationStatus   Status     `json:"validation_status"`
	CreatedAt          time.Time  `json:"created_at"`
	AppliedAt          *time.Time `json:"applied_at,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
}

func (p *CompliancePatch) clone() CompliancePatch {
	cp := *p
	cp.RecommendedActions = append([]string(nil), p.RecommendedActions...)
	if p.AppliedAt != nil {
		t := *p.AppliedAt
		cp.AppliedAt = &t
	}
	return cp
}

// EventKind labels an entry in the patch history.
type EventKind string

const (
	EventGenerated EventKind = "generated"
	EventApplied   EventKind = "applied"
	EventFailed    EventKind = "failed"
)

// Event is one append-only patch history entry.
type Event struct {
	Timestamp time.Time        `json:"timestamp"`
	Kind      EventKind        `json:"kind"`
	PatchID   string           `json:"patch_id"`
	RuleID    string           `json:"rule_id"`
	Reason    string           `json:"reason,omitempty"`
	Patch     *CompliancePatch `json:"patch,omitempty"`
}

// Clone returns a copy that shares no memory with e.
func (e Event) Clone() Event {
	if e.Patch != nil {
		p := e.Patch.clone()
		e.Patch = &p
	}
	return e
}

// ErrPatchApplication matches any *PatchApplicationError via errors.Is.
var ErrPatchApplication = errors.New("patch application failed")

// ErrUnknownPatch is wrapped when no patch has the requested id.
var ErrUnknownPatch = errors.New("unknown patch")

// PatchApplicationError is returned when a patch cannot be applied.
type PatchApplicationError struct {
	PatchID string
	Reason  string
	Err     error
}

func (e *PatchApplicationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("patch %s: %s: %v", e.PatchID, e.Reason, e.Err)
	}
	return fmt.Sprintf("patch %s: %s", e.PatchID, e.Reason)
}

func (e *PatchApplicationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPatchApplication) succeed.
func (e *PatchApplicationError) Is(target error) bool {
	return target == ErrPatchApplication
}
