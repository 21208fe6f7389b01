package retroaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/history"
)

// ErrInvalidTimeRange is returned for a window whose start is after its end.
var ErrInvalidTimeRange = errors.New("invalid time range")

// DefaultWindow is the audit window used when none is given.
const DefaultWindow = 90 * 24 * time.Hour

// highSeverityAbove is the missing-requirement count above which a
// violation is high severity.
const highSeverityAbove = 3

// severityFor grades a violation. It is high when more than
// highSeverityAbove fields are missing, or when every field of a rule that
// requires several is missing. A single missing field is always medium.
func severityFor(missing, required int) Severity {
	if missing > highSeverityAbove || (required > 1 && missing == required) {
		return SeverityHigh
	}
	return SeverityMedium
}

// TimestampPolicy decides what happens to records whose timestamp cannot
// be parsed.
type TimestampPolicy string

const (
	// TimestampInclude audits such records (fail open).
	TimestampInclude TimestampPolicy = "include"
	// TimestampExclude skips them.
	TimestampExclude TimestampPolicy = "exclude"
)

// ParseTimestampPolicy accepts "include" or "exclude"; empty means include.
func ParseTimestampPolicy(s string) (TimestampPolicy, error) {
	switch TimestampPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", TimestampInclude:
		return TimestampInclude, nil
	case TimestampExclude:
		return TimestampExclude, nil
	default:
		return "", fmt.Errorf("unknown timestamp policy %q", s)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a record timestamp. Values without a zone are UTC.
func ParseTimestamp(recordID, value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v != "" {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
	}
	return time.Time{}, &TimeParseError{RecordID: recordID, Value: value}
}

var baseRemediation = []string{
	"Retrieve or reconstruct the missing evidence",
	"Document the evidence gap and its root cause",
	"Fix the operational control that should have captured the evidence",
	"Re-audit the record once the evidence is attached",
}

var escalationRemediation = []string{
	"Escalate to the compliance officer",
	"Assess regulator notification obligations",
	"Open a formal corrective action plan",
}

// Auditor replays records against a catalog.
type Auditor struct {
	catalog       *catalog.Catalog
	history       history.Log[Summary]
	policy        TimestampPolicy
	defaultWindow time.Duration
	clock         func() time.Time
	logger        *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithTimestampPolicy sets how unparseable timestamps are handled.
func WithTimestampPolicy(p TimestampPolicy) Option {
	return func(a *Auditor) { a.policy = p }
}

// WithDefaultWindow replaces the 90-day default window.
func WithDefaultWindow(d time.Duration) Option {
	return func(a *Auditor) {
		if d > 0 {
			a.defaultWindow = d
		}
	}
}

// WithClock sets the clock the default window is anchored to.
func WithClock(clock func() time.Time) Option {
	return func(a *Auditor) { a.clock = clock }
}

// New returns an auditor over cat that appends summaries to log.
func New(cat *catalog.Catalog, log history.Log[Summary], opts ...Option) *Auditor {
	a := &Auditor{
		catalog:       cat,
		history:       log,
		policy:        TimestampInclude,
		defaultWindow: DefaultWindow,
		clock:         time.Now,
		logger:        slog.Default().With("component", "retroaudit"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Policy returns the timestamp policy in force.
func (a *Auditor) Policy() TimestampPolicy { return a.policy }

// Audit replays records within window (the default window when nil)
// against every catalog rule. Cancellation is checked between records; a
// cancelled audit returns ctx.Err() and no result.
func (a *Auditor) Audit(ctx context.Context, records []OperationRecord, window *TimeRange) (*Result, error) {
	now := a.clock().UTC()
	tr := TimeRange{Start: now.Add(-a.defaultWindow), End: now}
	if window != nil {
		tr = *window
		if tr.End.IsZero() {
			tr.End = now
		}
		if !tr.Start.IsZero() && tr.Start.After(tr.End) {
			return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidTimeRange,
				tr.Start.Format(time.RFC3339), tr.End.Format(time.RFC3339))
		}
	}

	auditID, err := a.auditID(records, tr)
	if err != nil {
		return nil, err
	}

	res := &Result{
		AuditID:             auditID,
		TimeRange:           tr,
		CatalogVersion:      a.catalog.Version,
		ViolationsByLaw:     make(map[string]int),
		RemediationRequired: make([]Remediation, 0),
		AuditedAt:           now,
	}
	rules := a.catalog.Rules()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ts, err := ParseTimestamp(rec.RecordID, rec.Timestamp)
		if err != nil {
			res.Warnings = append(res.Warnings, Issue{RecordID: rec.RecordID, Message: err.Error()})
			if a.policy == TimestampExclude {
				res.RecordsExcluded++
				continue
			}
		} else if !tr.Contains(ts) {
			res.RecordsExcluded++
			continue
		}

		res.RecordsScanned++
		a.auditRecord(rec, ts, rules, res)
	}

	a.logger.InfoContext(ctx, "audit complete",
		"audit_id", res.AuditID,
		"records_scanned", res.RecordsScanned,
		"records_excluded", res.RecordsExcluded,
		"violations", res.ViolationsFound,
		"warnings", len(res.Warnings),
	)

	if err := a.history.Append(ctx, Summary{
		AuditID:         res.AuditID,
		AuditedAt:       res.AuditedAt,
		TimeRange:       res.TimeRange,
		RecordsScanned:  res.RecordsScanned,
		ViolationsFound: res.ViolationsFound,
		ViolationsByLaw: res.ViolationsByLaw,
	}); err != nil {
		a.logger.ErrorContext(ctx, "failed to append audit summary", "audit_id", res.AuditID, "error", err)
	}
	return res, nil
}

func (a *Auditor) auditRecord(rec OperationRecord, ts time.Time, rules []*catalog.Rule, res *Result) {
	subject := rec.subject()
	for _, rule := range rules {
		if !rule.EffectiveAt(ts) {
			continue
		}
		ok, err := a.catalog.Applies(rule, subject)
		if err != nil {
			res.Errors = append(res.Errors, Issue{RecordID: rec.RecordID, RuleID: rule.ID, Message: err.Error()})
			continue
		}
		if !ok {
			continue
		}

		missing := missingEvidence(rule.RequiredEvidence, rec.Evidence)
		if len(missing) == 0 {
			continue
		}
		v := Violation{
			LawID:               rule.ID,
			LawName:             rule.Name,
			MissingRequirements: missing,
			Severity:            severityFor(len(missing), len(rule.RequiredEvidence)),
		}
		res.ViolationsFound++
		res.ViolationsByLaw[rule.ID]++
		res.RemediationRequired = append(res.RemediationRequired, Remediation{
			RecordID:           rec.RecordID,
			Violation:          v,
			RemediationActions: remediationFor(v),
		})
	}
}

func missingEvidence(required []string, evidence map[string]any) []string {
	var missing []string
	for _, field := range required {
		v, ok := evidence[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func remediationFor(v Violation) []string {
	actions := make([]string, 0, len(baseRemediation)+len(escalationRemediation))
	actions = append(actions, baseRemediation...)
	if v.Severity == SeverityHigh {
		actions = append(actions, escalationRemediation...)
	}
	return actions
}

// auditID is stable for the same records, window, catalog version and
// policy.
func (a *Auditor) auditID(records []OperationRecord, tr TimeRange) (string, error) {
	recordsHash, err := canonicalize.Hash(records)
	if err != nil {
		return "", fmt.Errorf("audit id: %w", err)
	}
	return canonicalize.ShortID("audit", map[string]any{
		"records":         recordsHash,
		"start":           tr.Start.UTC().Format(time.RFC3339Nano),
		"end":             tr.End.UTC().Format(time.RFC3339Nano),
		"catalog_version": a.catalog.Version,
		"policy":          string(a.policy),
	})
}

// Recent returns up to n audit summaries, oldest first.
func (a *Auditor) Recent(ctx context.Context, n int) ([]Summary, error) {
	return a.history.Tail(ctx, n)
}

// LawsWithViolations returns the law ids in a result sorted by violation
// count, highest first.
func LawsWithViolations(res *Result) []string {
	ids := make([]string, 0, len(res.ViolationsByLaw))
	for id := range res.ViolationsByLaw {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := res.ViolationsByLaw[ids[i]], res.ViolationsByLaw[ids[j]]
		if ci != cj {
			return ci > cj
		}
		return ids[i] < ids[j]
	})
	return ids
}
