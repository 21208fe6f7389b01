package oracle

import (
	"context"
	"fmt"
	"math"

	"github.com/Mindburn-Labs/regnexus/pkg/drift"
	"github.com/Mindburn-Labs/regnexus/pkg/harmonize"
	"github.com/Mindburn-Labs/regnexus/pkg/observability"
	"github.com/Mindburn-Labs/regnexus/pkg/patch"
)

// HealthScore is 1.0 without drift history, otherwise
// max(0, 1 - mean/2) over every score of the last healthWindow cycles.
func (o *Oracle) HealthScore(ctx context.Context) (float64, error) {
	records, err := o.sensor.History(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("health score: %w", err)
	}
	scores := recentCycles(records, o.healthWindow)
	if len(scores) == 0 {
		return 1.0, nil
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return math.Max(0, 1-(sum/float64(len(scores)))/2), nil
}

// recentCycles walks records newest first and collects the scores of the
// window most recent distinct cycles. Concurrent Monitor calls may
// interleave their records, so cycles are tracked as a set rather than by
// runs. Records without a cycle id count as a cycle of their own.
func recentCycles(records []drift.Record, window int) []float64 {
	var scores []float64
	seen := make(map[string]struct{}, window)
	anonymous := 0
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Cycle == "" {
			if len(seen)+anonymous == window {
				continue
			}
			anonymous++
		} else if _, ok := seen[r.Cycle]; !ok {
			if len(seen)+anonymous == window {
				continue
			}
			seen[r.Cycle] = struct{}{}
		}
		scores = append(scores, r.Score)
	}
	return scores
}

// Summary is the service-level view reported by /health and /v1/stats.
type Summary struct {
	HealthScore      float64                    `json:"health_score"`
	CatalogVersion   string                     `json:"catalog_version"`
	Rules            int                        `json:"rules"`
	MonitorCycles    int64                      `json:"monitor_cycles"`
	PatchesGenerated int                        `json:"patches_generated"`
	PatchesApplied   int                        `json:"patches_applied"`
	PatchesFailed    int                        `json:"patches_failed"`
	Harmonization    harmonize.Stats            `json:"harmonization"`
	Audits           int64                      `json:"audits"`
	ViolationsFound  int64                      `json:"violations_found"`
	SLO              []*observability.SLOStatus `json:"slo,omitempty"`
}

func (o *Oracle) Summary(ctx context.Context) (*Summary, error) {
	health, err := o.HealthScore(ctx)
	if err != nil {
		return nil, err
	}
	hstats, err := o.harmonizer.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	counts := o.generator.Counts()

	s := &Summary{
		HealthScore:      health,
		CatalogVersion:   o.catalog.Version,
		Rules:            o.catalog.Len(),
		MonitorCycles:    o.monitorCycles.Load(),
		PatchesGenerated: counts[patch.StatusGenerated] + counts[patch.StatusApplied] + counts[patch.StatusFailed],
		PatchesApplied:   counts[patch.StatusApplied],
		PatchesFailed:    counts[patch.StatusFailed],
		Harmonization:    hstats,
		Audits:           o.audits.Load(),
		ViolationsFound:  o.violations.Load(),
	}
	if o.obs != nil {
		s.SLO = o.obs.SLO().Statuses()
	}
	return s, nil
}
