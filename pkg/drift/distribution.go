// Package drift measures how far observed rule-trigger distributions have
// moved from their compliance baselines.
package drift

import (
	"fmt"
	"math"
)

// Epsilon is added to every bucket before renormalizing so that the
// divergence never divides by zero.
const Epsilon = 1e-10

// Distribution is a discrete distribution over a rule's outcome buckets.
type Distribution []float64

// Sum returns the total mass.
func (d Distribution) Sum() float64 {
	s := 0.0
	for _, v := range d {
		s += v
	}
	return s
}

// MalformedDistributionError reports a distribution drift cannot be
// computed for: empty, negative, non-finite, zero-sum, or a bucket count
// that differs from the baseline.
type MalformedDistributionError struct {
	RuleID string
	Reason string
}

func (e *MalformedDistributionError) Error() string {
	return fmt.Sprintf("malformed distribution for rule %q: %s", e.RuleID, e.Reason)
}

// Normalize scales d to sum to 1 after flooring every bucket at Epsilon.
func Normalize(ruleID string, d Distribution) (Distribution, error) {
	if len(d) == 0 {
		return nil, &MalformedDistributionError{RuleID: ruleID, Reason: "no buckets"}
	}
	sum := 0.0
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &MalformedDistributionError{RuleID: ruleID, Reason: fmt.Sprintf("bucket %d is not finite", i)}
		}
		if v < 0 {
			return nil, &MalformedDistributionError{RuleID: ruleID, Reason: fmt.Sprintf("bucket %d is negative", i)}
		}
		sum += v
	}
	if sum == 0 {
		return nil, &MalformedDistributionError{RuleID: ruleID, Reason: "sums to zero"}
	}

	out := make(Distribution, len(d))
	total := 0.0
	for i, v := range d {
		out[i] = v/sum + Epsilon
		total += out[i]
	}
	for i := range out {
		out[i] /= total
	}
	return out, nil
}

// KL returns the Kullback-Leibler divergence KL(p‖q). Both inputs must be
// normalized and of equal length. Rounding can push the result a hair
// below zero; it is clamped.
func KL(p, q Distribution) float64 {
	d := 0.0
	for i := range p {
		if p[i] == 0 {
			continue
		}
		d += p[i] * math.Log(p[i]/q[i])
	}
	if d < 0 {
		return 0
	}
	return d
}
