// Package oracle composes the drift sensor, patch generator, harmonizer and
// retroactive auditor into the service operations, and derives a health
// score from the drift history.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/archive"
	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/drift"
	"github.com/Mindburn-Labs/regnexus/pkg/harmonize"
	"github.com/Mindburn-Labs/regnexus/pkg/notify"
	"github.com/Mindburn-Labs/regnexus/pkg/observability"
	"github.com/Mindburn-Labs/regnexus/pkg/patch"
	"github.com/Mindburn-Labs/regnexus/pkg/pdp"
	"github.com/Mindburn-Labs/regnexus/pkg/retroaudit"
)

// DefaultHealthWindow is the number of monitor cycles the health score
// averages over.
const DefaultHealthWindow = 10

// Components are the engines the oracle orchestrates. All are required.
type Components struct {
	Catalog    *catalog.Catalog
	Sensor     *drift.Sensor
	Generator  *patch.Generator
	Harmonizer *harmonize.Harmonizer
	Auditor    *retroaudit.Auditor
}

// Oracle is safe for concurrent use.
type Oracle struct {
	catalog    *catalog.Catalog
	sensor     *drift.Sensor
	generator  *patch.Generator
	harmonizer *harmonize.Harmonizer
	auditor    *retroaudit.Auditor

	pdp      pdp.PolicyDecisionPoint
	notifier notify.Notifier
	archive  archive.Store
	obs      *observability.Provider

	criticalThreshold float64
	healthWindow      int
	clock             func() time.Time
	logger            *slog.Logger

	monitorCycles atomic.Int64
	audits        atomic.Int64
	violations    atomic.Int64
}

type Option func(*Oracle)

// WithPolicyDecisionPoint pre-filters harmonization rule lists.
func WithPolicyDecisionPoint(p pdp.PolicyDecisionPoint) Option {
	return func(o *Oracle) { o.pdp = p }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Oracle) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithArchive archives every audit result.
func WithArchive(s archive.Store) Option {
	return func(o *Oracle) { o.archive = s }
}

func WithObservability(p *observability.Provider) Option {
	return func(o *Oracle) { o.obs = p }
}

// WithCriticalThreshold sets the divergence above which a rule is patched.
func WithCriticalThreshold(t float64) Option {
	return func(o *Oracle) {
		if t > 0 {
			o.criticalThreshold = t
		}
	}
}

func WithHealthWindow(cycles int) Option {
	return func(o *Oracle) {
		if cycles > 0 {
			o.healthWindow = cycles
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *Oracle) { o.clock = clock }
}

// New wires an oracle over c.
func New(c Components, opts ...Option) (*Oracle, error) {
	switch {
	case c.Catalog == nil:
		return nil, errors.New("oracle: catalog is required")
	case c.Sensor == nil, c.Generator == nil, c.Harmonizer == nil, c.Auditor == nil:
		return nil, errors.New("oracle: sensor, generator, harmonizer and auditor are required")
	}
	o := &Oracle{
		catalog:           c.Catalog,
		sensor:            c.Sensor,
		generator:         c.Generator,
		harmonizer:        c.Harmonizer,
		auditor:           c.Auditor,
		notifier:          notify.Nop{},
		criticalThreshold: drift.DefaultCriticalThreshold,
		healthWindow:      DefaultHealthWindow,
		clock:             time.Now,
		logger:            slog.Default().With("component", "oracle"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Catalog returns the loaded catalog.
func (o *Oracle) Catalog() *catalog.Catalog { return o.catalog }

// RuleIssue is a per-rule failure inside a monitor cycle.
type RuleIssue struct {
	RuleID  string `json:"rule_id,omitempty"`
	Message string `json:"message"`
}

// MonitorResult is the outcome of one monitor cycle.
type MonitorResult struct {
	DriftScores     map[string]float64      `json:"drift_scores"`
	CriticalRuleIDs []string                `json:"critical_rule_ids"`
	Patches         []patch.CompliancePatch `json:"patches"`
	Errors          []RuleIssue             `json:"errors,omitempty"`
}

// Monitor measures drift for every observed rule and generates one patch
// per rule whose score is critical. Per-rule failures are reported in the
// result; only cancellation fails the call.
func (o *Oracle) Monitor(ctx context.Context, observed map[string]drift.Distribution) (res *MonitorResult, err error) {
	ctx, done := o.obs.TrackOperation(ctx, "oracle.monitor", observability.AttrRuleCount.Int(len(observed)))
	defer func() { done(err) }()

	scores, errs := o.sensor.MeasureDrift(ctx, observed)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.monitorCycles.Add(1)

	res = &MonitorResult{
		DriftScores:     scores,
		CriticalRuleIDs: make([]string, 0),
		Patches:         make([]patch.CompliancePatch, 0),
	}
	for _, e := range errs {
		res.Errors = append(res.Errors, RuleIssue{RuleID: ruleIDOf(e), Message: e.Error()})
	}

	for id, score := range scores {
		if drift.IsCritical(score, o.criticalThreshold) {
			res.CriticalRuleIDs = append(res.CriticalRuleIDs, id)
		}
	}
	sort.Strings(res.CriticalRuleIDs)

	for _, id := range res.CriticalRuleIDs {
		p, err := o.generator.GenerateHotfix(ctx, id, scores[id])
		if err != nil {
			res.Errors = append(res.Errors, RuleIssue{RuleID: id, Message: err.Error()})
			continue
		}
		res.Patches = append(res.Patches, *p)
	}
	observability.SetSpanAttributes(ctx, observability.AttrCriticalRule.Int(len(res.CriticalRuleIDs)))

	for _, p := range res.Patches {
		o.notify(ctx, notify.Notification{
			ID:        p.PatchID,
			Kind:      notify.KindPatchGenerated,
			Subject:   p.RuleID,
			CreatedAt: p.CreatedAt,
			Payload:   p,
		})
	}

	o.logger.InfoContext(ctx, "monitor cycle complete",
		"rules", len(observed),
		"critical", len(res.CriticalRuleIDs),
		"patches", len(res.Patches),
		"errors", len(res.Errors),
	)
	return res, nil
}

// Harmonize resolves lawIDs for octx. An empty lawIDs selects every catalog
// rule applicable to octx. With a policy decision point
// configured, every known rule is checked first and denied rules are
// dropped and listed in Result.Excluded. Unknown ids fail before any
// policy call.
func (o *Oracle) Harmonize(ctx context.Context, lawIDs []string, octx harmonize.OperationContext) (res *harmonize.Result, err error) {
	ctx, done := o.obs.TrackOperation(ctx, "oracle.harmonize", observability.AttrRuleCount.Int(len(lawIDs)))
	defer func() { done(err) }()

	if len(lawIDs) == 0 {
		if lawIDs, err = o.harmonizer.ApplicableRules(octx); err != nil {
			return nil, err
		}
	}
	ids := lawIDs
	var excluded []string
	if o.pdp != nil {
		candidates := make([]pdp.Candidate, 0, len(lawIDs))
		for _, id := range lawIDs {
			r, err := o.catalog.Rule(id)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, pdp.Candidate{RuleID: r.ID, Jurisdiction: r.Jurisdiction})
		}
		allowed, denied := pdp.Filter(ctx, o.pdp, candidates, contextInput(octx))
		for _, d := range denied {
			o.logger.InfoContext(ctx, "rule excluded by policy", "rule_id", d.RuleID, "reason", d.ReasonCode)
			excluded = append(excluded, d.RuleID)
		}
		ids = allowed
	}

	res, err = o.harmonizer.Harmonize(ctx, ids, octx)
	if err != nil {
		return nil, err
	}
	res.Excluded = excluded
	observability.SetSpanAttributes(ctx, observability.HarmonizeOperation(len(ids), string(res.StrategyUsed))...)
	return res, nil
}

func contextInput(octx harmonize.OperationContext) map[string]any {
	in := map[string]any{
		"sector":     octx.Sector,
		"location":   octx.Location,
		"data_types": octx.DataTypes,
	}
	if octx.EmergencyType != "" {
		in["emergency_type"] = octx.EmergencyType
	}
	if len(octx.Attributes) > 0 {
		in["attributes"] = octx.Attributes
	}
	return in
}

// Audit replays records against the catalog. The result is archived and
// its remediation items are forwarded to the notifier; failures of either
// are logged and never fail the audit.
func (o *Oracle) Audit(ctx context.Context, records []retroaudit.OperationRecord, window *retroaudit.TimeRange) (res *retroaudit.Result, err error) {
	ctx, done := o.obs.TrackOperation(ctx, "oracle.audit", observability.AttrRecordCount.Int(len(records)))
	defer func() { done(err) }()

	res, err = o.auditor.Audit(ctx, records, window)
	if err != nil {
		return nil, err
	}
	o.audits.Add(1)
	o.violations.Add(int64(res.ViolationsFound))
	observability.SetSpanAttributes(ctx, observability.AuditOperation(res.RecordsScanned, res.ViolationsFound)...)

	if o.archive != nil {
		ref, err := archive.PutJSON(ctx, o.archive, res)
		if err != nil {
			o.logger.WarnContext(ctx, "failed to archive audit result", "audit_id", res.AuditID, "error", err)
			res.Warnings = append(res.Warnings, retroaudit.Issue{Message: "archive: " + err.Error()})
		} else {
			res.ArchiveRef = ref
		}
	}

	if len(res.RemediationRequired) > 0 {
		o.notify(ctx, notify.Notification{
			ID:        res.AuditID,
			Kind:      notify.KindRemediationRequired,
			Subject:   res.AuditID,
			CreatedAt: res.AuditedAt,
			Payload: map[string]any{
				"violations_by_law":    res.ViolationsByLaw,
				"remediation_required": res.RemediationRequired,
			},
		})
	}
	return res, nil
}

// ApplyPatch transitions a generated patch to applied.
func (o *Oracle) ApplyPatch(ctx context.Context, patchID string) (p patch.CompliancePatch, err error) {
	ctx, done := o.obs.TrackOperation(ctx, "oracle.apply_patch", observability.AttrPatchID.String(patchID))
	defer func() { done(err) }()

	if err := o.generator.ApplyPatch(ctx, patchID); err != nil {
		return patch.CompliancePatch{}, err
	}
	p, _ = o.generator.Patch(patchID)
	return p, nil
}

// Patches lists patches, optionally filtered by status.
func (o *Oracle) Patches(status patch.Status) []patch.CompliancePatch {
	return o.generator.List(status)
}

// Trend reports the drift direction for a catalog rule.
func (o *Oracle) Trend(ctx context.Context, ruleID string, window int) (drift.Trend, error) {
	if !o.catalog.Has(ruleID) {
		return drift.TrendUnknown, &catalog.UnknownRuleError{RuleID: ruleID}
	}
	return o.sensor.Trend(ctx, ruleID, window)
}

func (o *Oracle) notify(ctx context.Context, n notify.Notification) {
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.logger.WarnContext(ctx, "notification failed", "id", n.ID, "kind", n.Kind, "error", err)
	}
}

func ruleIDOf(err error) string {
	var malformed *drift.MalformedDistributionError
	if errors.As(err, &malformed) {
		return malformed.RuleID
	}
	var unknown *catalog.UnknownRuleError
	if errors.As(err, &unknown) {
		return unknown.RuleID
	}
	return ""
}
