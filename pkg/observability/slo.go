package observability

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// SLOTarget is a latency and success objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"`
	Window      time.Duration `json:"window"`
}

// SLOObservation is a single completed operation.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports compliance over the target window.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"` // >1 burns faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// DefaultTargets covers the oracle operations.
func DefaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-monitor", Operation: "oracle.monitor", LatencyP99: 250 * time.Millisecond, SuccessRate: 0.99, Window: time.Hour},
		{SLOID: "slo-harmonize", Operation: "oracle.harmonize", LatencyP99: 100 * time.Millisecond, SuccessRate: 0.99, Window: time.Hour},
		{SLOID: "slo-audit", Operation: "oracle.audit", LatencyP99: 5 * time.Second, SuccessRate: 0.99, Window: 24 * time.Hour},
		{SLOID: "slo-apply-patch", Operation: "oracle.apply_patch", LatencyP99: time.Second, SuccessRate: 0.95, Window: 24 * time.Hour},
	}
}

// SLOTracker keeps observations for operations that have a target.
// Observations older than the target window are dropped on record.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
	for _, target := range DefaultTargets() {
		t.targets[target.Operation] = target
	}
	return t
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record stores obs if its operation has a target.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[obs.Operation]
	if !ok {
		return
	}
	now := t.clock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = now
	}
	kept := t.windowed(t.observations[obs.Operation], now.Add(-target.Window))
	t.observations[obs.Operation] = append(kept, obs)
}

func (t *SLOTracker) windowed(obs []SLOObservation, start time.Time) []SLOObservation {
	i := sort.Search(len(obs), func(i int) bool { return obs[i].Timestamp.After(start) })
	return obs[i:]
}

// Status computes current compliance for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status(operation)
}

// Statuses reports every target, ordered by operation.
func (t *SLOTracker) Statuses() []*SLOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	out := make([]*SLOStatus, 0, len(ops))
	for _, op := range ops {
		s, _ := t.status(op)
		out = append(out, s)
	}
	return out
}

func (t *SLOTracker) status(operation string) (*SLOStatus, error) {
	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no SLO target for operation %q", operation)
	}

	windowed := t.windowed(t.observations[operation], t.clock().Add(-target.Window))
	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			CurrentSuccess:  1.0,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	success := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			success++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(success) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = math.Max(0, 100.0*(1.0-burnRate))
	} else if errorRate > 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= float64(target.LatencyP99.Milliseconds()) && successRate >= target.SuccessRate,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
