package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Catalog is a versioned, immutable collection of rules plus the conflict
// matrix that relates them.
type Catalog struct {
	Version string              `json:"version"`
	Regions map[string][]string `json:"regions,omitempty"`

	rules      []*Rule
	byID       map[string]*Rule
	matrix     *ConflictMatrix
	predicates *PredicateEvaluator
}

// New builds a catalog from rules. Rule ids must be unique and every CEL
// predicate must compile.
func New(version string, rules []*Rule, regions map[string][]string) (*Catalog, error) {
	if _, err := semver.NewVersion(version); err != nil {
		return nil, fmt.Errorf("invalid catalog version %q: %w", version, err)
	}

	eval, err := NewPredicateEvaluator()
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		Version:    version,
		Regions:    normalizeRegions(regions),
		rules:      make([]*Rule, 0, len(rules)),
		byID:       make(map[string]*Rule, len(rules)),
		matrix:     NewConflictMatrix(),
		predicates: eval,
	}
	for _, r := range rules {
		if r == nil {
			continue
		}
		if r.ID == "" {
			return nil, fmt.Errorf("rule without id")
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		if r.Applicability.Expr != "" {
			if err := eval.Compile(r.Applicability.Expr); err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
		if err := checkBaseline(r); err != nil {
			return nil, err
		}
		c.rules = append(c.rules, r)
		c.byID[r.ID] = r
	}
	return c, nil
}

func checkBaseline(r *Rule) error {
	if len(r.Baseline) == 0 {
		return nil
	}
	if n := len(r.OutcomeBuckets); n > 0 && n != len(r.Baseline) {
		return fmt.Errorf("rule %s: baseline has %d buckets, outcome_buckets names %d", r.ID, len(r.Baseline), n)
	}
	var sum float64
	for _, v := range r.Baseline {
		if v < 0 {
			return fmt.Errorf("rule %s: baseline has a negative bucket", r.ID)
		}
		sum += v
	}
	if sum == 0 {
		return fmt.Errorf("rule %s: baseline sums to zero", r.ID)
	}
	return nil
}

// Len returns the number of rules.
func (c *Catalog) Len() int { return len(c.rules) }

// Rules returns the rules in load order.
func (c *Catalog) Rules() []*Rule {
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Rule returns the rule with the given id or an *UnknownRuleError.
func (c *Catalog) Rule(id string) (*Rule, error) {
	r, ok := c.byID[id]
	if !ok {
		return nil, &UnknownRuleError{RuleID: id}
	}
	return r, nil
}

// Has reports whether id is in the catalog.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Matrix returns the attached conflict matrix (never nil).
func (c *Catalog) Matrix() *ConflictMatrix { return c.matrix }

// AttachMatrix validates m against the catalog and attaches it.
func (c *Catalog) AttachMatrix(m *ConflictMatrix) error {
	if m == nil {
		m = NewConflictMatrix()
	}
	for _, e := range m.Entries() {
		for _, id := range e.Laws {
			if !c.Has(id) {
				return fmt.Errorf("conflict %s references %w", e.Key(), &UnknownRuleError{RuleID: id})
			}
		}
	}
	c.matrix = m
	return nil
}

// Applies reports whether rule r applies to subject s.
func (c *Catalog) Applies(r *Rule, s Subject) (bool, error) {
	return r.Applicability.Matches(c.predicates, s)
}

// Territorial ranks.
const (
	RankNone     = 0
	RankGlobal   = 1
	RankRegional = 2
	RankExact    = 3
)

// Rank scores how closely a jurisdiction matches an operation location:
// exact match beats regional membership which beats a global rule.
func (c *Catalog) Rank(location, jurisdiction string) int {
	loc := strings.ToUpper(strings.TrimSpace(location))
	jur := strings.ToUpper(strings.TrimSpace(jurisdiction))
	switch {
	case loc != "" && loc == jur:
		return RankExact
	case loc != "" && c.inRegion(loc, jur):
		return RankRegional
	case jur == JurisdictionGlobal:
		return RankGlobal
	default:
		return RankNone
	}
}

func (c *Catalog) inRegion(loc, jur string) bool {
	// US-CA lies inside US.
	if strings.HasPrefix(loc, jur+"-") {
		return true
	}
	for _, member := range c.Regions[jur] {
		if member == loc || strings.HasPrefix(loc, member+"-") {
			return true
		}
	}
	return false
}

func normalizeRegions(regions map[string][]string) map[string][]string {
	out := make(map[string][]string, len(regions))
	for k, members := range regions {
		up := make([]string, 0, len(members))
		for _, m := range members {
			up = append(up, strings.ToUpper(strings.TrimSpace(m)))
		}
		sort.Strings(up)
		out[strings.ToUpper(strings.TrimSpace(k))] = up
	}
	return out
}
