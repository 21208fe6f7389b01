package patch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/history"
)

// Score bands for patch type selection.
const (
	newRequirementAbove      = 1.0
	thresholdAdjustmentAbove = 0.5
)

var baseActions = map[Type][]string{
	TypeNewRequirement: {
		"Draft a new control covering the emerging trigger pattern",
		"Run legal review of the uncovered operating conditions",
		"Deploy the control after compliance sign-off",
		"Re-measure drift within 24 hours of deployment",
	},
	TypeThresholdAdjustment: {
		"Recalibrate rule trigger thresholds against the current baseline",
		"Validate adjusted thresholds on a recent operation sample",
		"Notify the rule owner of the threshold change",
	},
	TypeRuleUpdate: {
		"Review rule parameters for minor drift",
		"Update rule documentation to reflect observed behaviour",
		"Monitor drift in the next cycle",
	},
}

// Applier performs the work of applying a patch.
type Applier interface {
	Apply(ctx context.Context, p CompliancePatch) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, p CompliancePatch) error

func (f ApplierFunc) Apply(ctx context.Context, p CompliancePatch) error { return f(ctx, p) }

// Generator creates patches and owns their lifecycle.
type Generator struct {
	catalog *catalog.Catalog
	events  history.Log[Event]
	applier Applier
	clock   func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	patches  map[string]*CompliancePatch
	order    []string
	applying map[string]struct{}
	seq      uint64
}

// Option configures a Generator.
type Option func(*Generator)

// WithApplier installs the hook that performs patch application.
func WithApplier(a Applier) Option {
	return func(g *Generator) { g.applier = a }
}

// WithClock sets the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) { g.clock = clock }
}

// NewGenerator returns a generator over cat that appends to events.
func NewGenerator(cat *catalog.Catalog, events history.Log[Event], opts ...Option) *Generator {
	g := &Generator{
		catalog:  cat,
		events:   events,
		clock:    time.Now,
		logger:   slog.Default().With("component", "patch"),
		patches:  make(map[string]*CompliancePatch),
		applying: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Classify maps a divergence score to patch type and urgency.
func Classify(score float64) (Type, Urgency) {
	switch {
	case score > newRequirementAbove:
		return TypeNewRequirement, UrgencyHigh
	case score > thresholdAdjustmentAbove:
		return TypeThresholdAdjustment, UrgencyMedium
	default:
		return TypeRuleUpdate, UrgencyLow
	}
}

// GenerateHotfix synthesizes a patch for ruleID.
func (g *Generator) GenerateHotfix(ctx context.Context, ruleID string, score float64) (*CompliancePatch, error) {
	rule, err := g.catalog.Rule(ruleID)
	if err != nil {
		return nil, err
	}

	pt, urgency := Classify(score)
	actions := append([]string(nil), baseActions[pt]...)
	for _, field := range rule.RequiredEvidence {
		actions = append(actions, "Enforce evidence requirement: "+field)
	}

	g.mu.Lock()
	g.seq++
	now := g.clock().UTC()
	id, err := canonicalize.ShortID("patch", map[string]any{
		"rule_id":    ruleID,
		"score":      score,
		"type":       string(pt),
		"created_at": now.Format(time.RFC3339Nano),
		"seq":        g.seq,
	})
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("patch id: %w", err)
	}
	p := &CompliancePatch{
		PatchID:            id,
		RuleID:             ruleID,
		DivergenceScore:    score,
		PatchType:          pt,
		Urgency:            urgency,
		RecommendedActions: actions,
		ValidationStatus:   StatusGenerated,
		CreatedAt:          now,
	}
	g.patches[id] = p
	g.order = append(g.order, id)
	snapshot := p.clone()
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "patch generated", "patch_id", id, "rule_id", ruleID, "type", pt, "score", score)
	g.record(ctx, Event{Timestamp: now, Kind: EventGenerated, PatchID: id, RuleID: ruleID, Patch: &snapshot})

	out := snapshot.clone()
	return &out, nil
}

// ApplyPatch moves a generated patch to applied. Any other starting state,
// an unknown id, or an Applier failure yields *PatchApplicationError; a
// known patch is then marked failed and kept.
func (g *Generator) ApplyPatch(ctx context.Context, patchID string) error {
	g.mu.Lock()
	p, ok := g.patches[patchID]
	if !ok {
		g.mu.Unlock()
		return &PatchApplicationError{PatchID: patchID, Reason: "not found", Err: ErrUnknownPatch}
	}
	if p.ValidationStatus != StatusGenerated {
		reason := fmt.Sprintf("cannot apply patch in status %s", p.ValidationStatus)
		g.failLocked(p, reason)
		g.mu.Unlock()
		g.record(ctx, Event{Timestamp: g.clock().UTC(), Kind: EventFailed, PatchID: patchID, RuleID: p.RuleID, Reason: reason})
		return &PatchApplicationError{PatchID: patchID, Reason: reason}
	}
	if _, busy := g.applying[patchID]; busy {
		g.mu.Unlock()
		return &PatchApplicationError{PatchID: patchID, Reason: "apply already in progress"}
	}
	g.applying[patchID] = struct{}{}
	snapshot := p.clone()
	g.mu.Unlock()

	// The applier may block, so it runs outside the lock.
	var applyErr error
	if g.applier != nil {
		applyErr = g.applier.Apply(ctx, snapshot)
	}

	now := g.clock().UTC()
	g.mu.Lock()
	delete(g.applying, patchID)
	if applyErr != nil {
		reason := applyErr.Error()
		g.failLocked(p, reason)
		g.mu.Unlock()
		g.logger.WarnContext(ctx, "patch application failed", "patch_id", patchID, "error", applyErr)
		g.record(ctx, Event{Timestamp: now, Kind: EventFailed, PatchID: patchID, RuleID: p.RuleID, Reason: reason})
		return &PatchApplicationError{PatchID: patchID, Reason: "apply failed", Err: applyErr}
	}
	p.ValidationStatus = StatusApplied
	p.AppliedAt = &now
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "patch applied", "patch_id", patchID, "rule_id", p.RuleID)
	g.record(ctx, Event{Timestamp: now, Kind: EventApplied, PatchID: patchID, RuleID: snapshot.RuleID})
	return nil
}

func (g *Generator) failLocked(p *CompliancePatch, reason string) {
	p.ValidationStatus = StatusFailed
	p.FailureReason = reason
}

func (g *Generator) record(ctx context.Context, e Event) {
	if g.events == nil {
		return
	}
	if err := g.events.Append(ctx, e); err != nil {
		g.logger.ErrorContext(ctx, "failed to append patch event", "patch_id", e.PatchID, "kind", e.Kind, "error", err)
	}
}

// Patch returns a copy of the patch with the given id.
func (g *Generator) Patch(id string) (CompliancePatch, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.patches[id]
	if !ok {
		return CompliancePatch{}, false
	}
	return p.clone(), true
}

// List returns copies of all patches in creation order, optionally
// filtered by status.
func (g *Generator) List(status Status) []CompliancePatch {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]CompliancePatch, 0, len(g.order))
	for _, id := range g.order {
		p := g.patches[id]
		if status != "" && p.ValidationStatus != status {
			continue
		}
		out = append(out, p.clone())
	}
	return out
}

// Counts returns the number of patches per status.
func (g *Generator) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := map[Status]int{StatusGenerated: 0, StatusApplied: 0, StatusFailed: 0}
	for _, p := range g.patches {
		out[p.ValidationStatus]++
	}
	return out
}

// Events returns up to n recent patch events.
func (g *Generator) Events(ctx context.Context, n int) ([]Event, error) {
	if g.events == nil {
		return nil, nil
	}
	return g.events.Tail(ctx, n)
}
