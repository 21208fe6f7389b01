// Package retroaudit replays historical operation records against the
// current rule catalog and reports missing-evidence violations.
package retroaudit

import (
	"fmt"
	"maps"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
)

// OperationRecord is one historical operation. Timestamp is kept raw so
// unparseable values can be handled by policy.
type OperationRecord struct {
	RecordID   string         `json:"record_id"`
	Timestamp  string         `json:"timestamp"`
	Sector     string         `json:"sector,omitempty"`
	Location   string         `json:"location,omitempty"`
	DataTypes  []string       `json:"data_types,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (r OperationRecord) subject() catalog.Subject {
	return catalog.Subject{
		Sector:     r.Sector,
		Location:   r.Location,
		DataTypes:  r.DataTypes,
		Evidence:   r.Evidence,
		Attributes: r.Attributes,
	}
}

// TimeRange is an inclusive audit window. A zero Start is unbounded.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies in the window.
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.Start.IsZero() && t.Before(tr.Start) {
		return false
	}
	return !t.After(tr.End)
}

// Severity of a violation.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Violation is one rule a record failed.
type Violation struct {
	LawID               string   `json:"law_id"`
	LawName             string   `json:"law_name"`
	MissingRequirements []string `json:"missing_requirements"`
	Severity            Severity `json:"severity"`
}

// Remediation pairs a violation with the actions that close it.
type Remediation struct {
	RecordID           string    `json:"record_id"`
	Violation          Violation `json:"violation"`
	RemediationActions []string  `json:"remediation_actions"`
}

// Issue is a per-record problem reported alongside the result.
type Issue struct {
	RecordID string `json:"record_id"`
	RuleID   string `json:"rule_id,omitempty"`
	Message  string `json:"message"`
}

// Result is the outcome of an audit.
type Result struct {
	AuditID             string         `json:"audit_id"`
	TimeRange           TimeRange      `json:"time_range"`
	CatalogVersion      string         `json:"catalog_version"`
	RecordsScanned      int            `json:"records_scanned"`
	RecordsExcluded     int            `json:"records_excluded"`
	ViolationsFound     int            `json:"violations_found"`
	ViolationsByLaw     map[string]int `json:"violations_by_law"`
	RemediationRequired []Remediation  `json:"remediation_required"`
	// Warnings holds timestamp parse failures handled by policy.
	Warnings []Issue `json:"warnings,omitempty"`
	// Errors holds predicate evaluation failures; the affected rule is
	// skipped for that record.
	Errors    []Issue   `json:"errors,omitempty"`
	AuditedAt time.Time `json:"audited_at"`
	// ArchiveRef is the content hash of the archived copy, if any.
	ArchiveRef string `json:"archive_ref,omitempty"`
}

// Summary is the audit history record.
type Summary struct {
	AuditID         string         `json:"audit_id"`
	AuditedAt       time.Time      `json:"audited_at"`
	TimeRange       TimeRange      `json:"time_range"`
	RecordsScanned  int            `json:"records_scanned"`
	ViolationsFound int            `json:"violations_found"`
	ViolationsByLaw map[string]int `json:"violations_by_law"`
}

// Clone returns a copy that shares no memory with s.
func (s Summary) Clone() Summary {
	s.ViolationsByLaw = maps.Clone(s.ViolationsByLaw)
	return s
}

// TimeParseError reports a record timestamp in no accepted layout.
type TimeParseError struct {
	RecordID string
	Value    string
}

func (e *TimeParseError) Error() string {
	return fmt.Sprintf("record %q: unparseable timestamp %q", e.RecordID, e.Value)
}
