package drift

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/regnexus/pkg/catalog"
	"github.com/Mindburn-Labs/regnexus/pkg/history"
)

// DefaultCriticalThreshold is the score above which drift is critical.
const DefaultCriticalThreshold = 0.5

// DefaultTrendWindow is the number of recent scores used for trends.
const DefaultTrendWindow = 10

// trendTolerance is the slope magnitude treated as flat.
const trendTolerance = 0.01

// Record is one drift measurement, appended to the drift history.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	RuleID    string    `json:"rule_id"`
	Score     float64   `json:"divergence_score"`
	// Cycle groups the records produced by one MeasureDrift call.
	Cycle string `json:"cycle,omitempty"`
	// ColdStart marks the measurement that established the baseline.
	ColdStart bool `json:"cold_start,omitempty"`
}

// Trend is the direction of a rule's recent drift scores.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
	TrendUnknown    Trend = "unknown"
)

// Sensor computes divergence scores against per-rule baselines.
type Sensor struct {
	baselines BaselineStore
	history   history.Log[Record]
	catalog   *catalog.Catalog
	clock     func() time.Time
	logger    *slog.Logger
	// mu orders baseline establishment so concurrent cold starts agree.
	mu sync.Mutex
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithBaselines replaces the in-memory baseline store.
func WithBaselines(b BaselineStore) Option {
	return func(s *Sensor) { s.baselines = b }
}

// WithCatalog makes the sensor fail closed on rule ids the catalog does
// not know.
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Sensor) { s.catalog = c }
}

// WithClock sets the clock used to stamp records.
func WithClock(clock func() time.Time) Option {
	return func(s *Sensor) { s.clock = clock }
}

// NewSensor creates a sensor that appends every measurement to log.
func NewSensor(log history.Log[Record], opts ...Option) *Sensor {
	s := &Sensor{
		baselines: NewMemoryBaselines(),
		history:   log,
		clock:     time.Now,
		logger:    slog.Default().With("component", "drift"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBaseline seeds the baseline for a rule. The distribution is
// normalized first.
func (s *Sensor) SetBaseline(ctx context.Context, ruleID string, d Distribution) error {
	if err := s.checkBuckets(ruleID, d); err != nil {
		return err
	}
	n, err := Normalize(ruleID, d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baselines.SetBaseline(ctx, ruleID, n)
}

// SeedBaselines seeds every catalog rule that declares a baseline and
// returns how many were seeded.
func (s *Sensor) SeedBaselines(ctx context.Context, c *catalog.Catalog) (int, error) {
	n := 0
	for _, r := range c.Rules() {
		if len(r.Baseline) == 0 {
			continue
		}
		if err := s.SetBaseline(ctx, r.ID, Distribution(r.Baseline)); err != nil {
			return n, fmt.Errorf("seed baseline for rule %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}

// checkBuckets rejects distributions whose length differs from the
// outcome buckets the catalog names for the rule.
func (s *Sensor) checkBuckets(ruleID string, d Distribution) error {
	if s.catalog == nil {
		return nil
	}
	r, err := s.catalog.Rule(ruleID)
	if err != nil || len(r.OutcomeBuckets) == 0 || len(r.OutcomeBuckets) == len(d) {
		return nil
	}
	return &MalformedDistributionError{
		RuleID: ruleID,
		Reason: fmt.Sprintf("has %d buckets, rule defines %d outcome buckets", len(d), len(r.OutcomeBuckets)),
	}
}

// MeasureDrift scores every observed distribution against its baseline.
// A rule without a baseline adopts the observation as baseline and scores
// 0. Failures are reported per rule and never prevent other rules from
// being scored.
func (s *Sensor) MeasureDrift(ctx context.Context, observed map[string]Distribution) (map[string]float64, []error) {
	ids := make([]string, 0, len(observed))
	for id := range observed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := s.clock()
	cycle := uuid.NewString()
	scores := make(map[string]float64, len(ids))
	records := make([]Record, 0, len(ids))
	var errs []error

	s.mu.Lock()
	for _, id := range ids {
		if s.catalog != nil && !s.catalog.Has(id) {
			errs = append(errs, &catalog.UnknownRuleError{RuleID: id})
			continue
		}
		score, cold, err := s.measureLocked(ctx, id, observed[id])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		scores[id] = score
		records = append(records, Record{Timestamp: now, RuleID: id, Score: score, Cycle: cycle, ColdStart: cold})
	}
	s.mu.Unlock()

	for _, r := range records {
		if err := s.history.Append(ctx, r); err != nil {
			s.logger.ErrorContext(ctx, "failed to append drift record", "rule_id", r.RuleID, "error", err)
			errs = append(errs, fmt.Errorf("drift history for rule %s: %w", r.RuleID, err))
		}
	}
	return scores, errs
}

func (s *Sensor) measureLocked(ctx context.Context, ruleID string, d Distribution) (float64, bool, error) {
	if err := s.checkBuckets(ruleID, d); err != nil {
		return 0, false, err
	}
	p, err := Normalize(ruleID, d)
	if err != nil {
		return 0, false, err
	}
	q, ok := s.baselines.Baseline(ruleID)
	if !ok {
		if err := s.baselines.SetBaseline(ctx, ruleID, p); err != nil {
			return 0, false, fmt.Errorf("baseline for rule %s: %w", ruleID, err)
		}
		s.logger.InfoContext(ctx, "baseline established", "rule_id", ruleID, "buckets", len(p))
		return 0, true, nil
	}
	if len(q) != len(p) {
		return 0, false, &MalformedDistributionError{
			RuleID: ruleID,
			Reason: fmt.Sprintf("has %d buckets, baseline has %d", len(p), len(q)),
		}
	}
	return KL(p, q), false, nil
}

// IsCritical reports whether score exceeds threshold. A non-positive
// threshold selects DefaultCriticalThreshold.
func IsCritical(score, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultCriticalThreshold
	}
	return score > threshold
}

// Trend fits a line through the last window scores of ruleID. A window of
// zero or less selects DefaultTrendWindow.
func (s *Sensor) Trend(ctx context.Context, ruleID string, window int) (Trend, error) {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	all, err := s.history.Tail(ctx, 0)
	if err != nil {
		return TrendUnknown, fmt.Errorf("drift history: %w", err)
	}
	var scores []float64
	for _, r := range all {
		if r.RuleID == ruleID {
			scores = append(scores, r.Score)
		}
	}
	if len(scores) > window {
		scores = scores[len(scores)-window:]
	}
	return classify(scores), nil
}

// History returns up to n recent drift records, oldest first.
func (s *Sensor) History(ctx context.Context, n int) ([]Record, error) {
	return s.history.Tail(ctx, n)
}

func classify(scores []float64) Trend {
	if len(scores) < 2 {
		return TrendUnknown
	}
	slope := Slope(scores)
	switch {
	case slope > trendTolerance:
		return TrendIncreasing
	case slope < -trendTolerance:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Slope is the least-squares slope of ys against their indices.
func Slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}
