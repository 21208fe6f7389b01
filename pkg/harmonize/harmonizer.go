package harmonize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/regnexus/pkg/canonicalize"
	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/history"
)

// NoConflictConfidence is reported when no matrix entry applies.
const NoConflictConfidence = 1.0

// DefaultResolvedConfidence is reported for rule-based resolutions.
const DefaultResolvedConfidence = 0.85

// DefaultEmergencyTypes are the emergency types treated as declared
// public-health emergencies.
var DefaultEmergencyTypes = []string{"public_health", "pandemic", "epidemic", "public_health_emergency"}

// Harmonizer resolves conflicts between applicable rules.
type Harmonizer struct {
	catalog            *catalog.Catalog
	history            history.Log[Entry]
	emergencyTypes     map[string]struct{}
	resolvedConfidence float64
	clock              func() time.Time
	logger             *slog.Logger
}

// Option configures a Harmonizer.
type Option func(*Harmonizer)

// WithEmergencyTypes replaces the public-health emergency set.
func WithEmergencyTypes(types []string) Option {
	return func(h *Harmonizer) {
		h.emergencyTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			h.emergencyTypes[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
	}
}

// WithResolvedConfidence overrides the confidence of resolved conflicts.
// Values are clamped to [0,1].
func WithResolvedConfidence(c float64) Option {
	return func(h *Harmonizer) { h.resolvedConfidence = clamp01(c) }
}

// WithClock sets the clock used to stamp results.
func WithClock(clock func() time.Time) Option {
	return func(h *Harmonizer) { h.clock = clock }
}

// New returns a harmonizer over cat that appends to log.
func New(cat *catalog.Catalog, log history.Log[Entry], opts ...Option) *Harmonizer {
	h := &Harmonizer{
		catalog:            cat,
		history:            log,
		resolvedConfidence: DefaultResolvedConfidence,
		clock:              time.Now,
		logger:             slog.Default().With("component", "harmonize"),
	}
	WithEmergencyTypes(DefaultEmergencyTypes)(h)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ApplicableRules returns the ids of catalog rules whose applicability
// predicate matches octx, in catalog order.
func (h *Harmonizer) ApplicableRules(octx OperationContext) ([]string, error) {
	subject := octx.Subject()
	var ids []string
	for _, r := range h.catalog.Rules() {
		ok, err := h.catalog.Applies(r, subject)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if ok {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

// Harmonize resolves lawIDs into one requirement list. Any unknown id
// aborts the call with *catalog.UnknownRuleError. Duplicate ids collapse
// onto their first occurrence.
func (h *Harmonizer) Harmonize(ctx context.Context, lawIDs []string, octx OperationContext) (*Result, error) {
	rules, err := h.resolveRules(lawIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}

	result := &Result{HarmonizedAt: h.clock().UTC()}

	matches := h.catalog.Matrix().Matching(ids)
	if len(matches) == 0 {
		res := resolveStrictest(h, rules, octx)
		result.StrategyUsed = catalog.StrategyStrictest
		result.ResolvedRequirements = res.requirements
		result.PriorityOrder = res.order
		result.Confidence = NoConflictConfidence
		result.Justification = fmt.Sprintf("No conflicts detected among %d rule(s); strategy %s applies: %s.",
			len(rules), catalog.StrategyStrictest, res.factor)
	} else {
		conflict, err := newConflict(matches)
		if err != nil {
			return nil, err
		}
		strategy, reason := h.selectStrategy(conflict, octx)
		res := resolvers[strategy](h, rules, octx)

		result.Conflict = conflict
		result.StrategyUsed = strategy
		result.ResolvedRequirements = res.requirements
		result.PriorityOrder = res.order
		result.Confidence = h.resolvedConfidence
		result.Justification = fmt.Sprintf("Conflict %q (%s, severity %.2f) between %s resolved with %s because %s: %s.",
			conflict.ConflictID, conflict.ConflictType, conflict.Severity,
			strings.Join(conflict.LawsInvolved, ", "), strategy, reason, res.factor)
	}

	entry := Entry{
		Timestamp:  result.HarmonizedAt,
		Laws:       ids,
		Strategy:   result.StrategyUsed,
		Confidence: result.Confidence,
	}
	if result.Conflict != nil {
		entry.ConflictID = result.Conflict.ConflictID
	}
	if err := h.history.Append(ctx, entry); err != nil {
		h.logger.ErrorContext(ctx, "failed to append harmonization entry", "error", err)
	}

	h.logger.DebugContext(ctx, "harmonized", "laws", ids, "strategy", result.StrategyUsed, "conflict", entry.ConflictID)
	return result, nil
}

func (h *Harmonizer) resolveRules(lawIDs []string) ([]*catalog.Rule, error) {
	seen := make(map[string]struct{}, len(lawIDs))
	rules := make([]*catalog.Rule, 0, len(lawIDs))
	for _, id := range lawIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		r, err := h.catalog.Rule(id)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// selectStrategy picks the strategy for a detected conflict; the first
// matching condition wins.
func (h *Harmonizer) selectStrategy(c *Conflict, octx OperationContext) (catalog.Strategy, string) {
	if h.isEmergency(octx.EmergencyType) {
		return catalog.StrategyPublicHealth, fmt.Sprintf("emergency_type %q is a declared public-health emergency", octx.EmergencyType)
	}
	ct := strings.ToLower(c.ConflictType)
	if strings.Contains(ct, "territorial") || strings.Contains(ct, "jurisdiction") {
		return catalog.StrategyTerritorial, "the conflict concerns territorial scope"
	}
	if c.DeclaredStrategy != "" {
		return c.DeclaredStrategy, "the conflict matrix declares it"
	}
	return catalog.StrategyStrictest, "no other strategy applies"
}

func (h *Harmonizer) isEmergency(t string) bool {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return false
	}
	_, ok := h.emergencyTypes[t]
	return ok
}

func newConflict(matches []*catalog.ConflictEntry) (*Conflict, error) {
	governing := matches[0]
	id, err := canonicalize.ShortID("conflict", map[string]any{
		"laws":          governing.Laws,
		"conflict_type": governing.ConflictType,
	})
	if err != nil {
		return nil, fmt.Errorf("conflict id: %w", err)
	}
	related := make([]string, len(matches))
	for i, m := range matches {
		related[i] = m.Key()
	}
	return &Conflict{
		ConflictID:       id,
		LawsInvolved:     append([]string(nil), governing.Laws...),
		ConflictType:     governing.ConflictType,
		Severity:         clamp01(governing.Severity),
		Description:      governing.Description,
		DeclaredStrategy: governing.Strategy,
		Related:          related,
	}, nil
}

// Stats summarizes every retained harmonization.
func (h *Harmonizer) Stats(ctx context.Context) (Stats, error) {
	entries, err := h.history.Tail(ctx, 0)
	if err != nil {
		return Stats{}, fmt.Errorf("harmonization history: %w", err)
	}
	s := Stats{StrategyUsage: make(map[catalog.Strategy]int)}
	sum := 0.0
	for _, e := range entries {
		s.TotalHarmonizations++
		if e.ConflictID != "" {
			s.ConflictsResolved++
		}
		s.StrategyUsage[e.Strategy]++
		sum += e.Confidence
	}
	if s.TotalHarmonizations > 0 {
		s.AverageConfidence = sum / float64(s.TotalHarmonizations)
	}
	return s, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
