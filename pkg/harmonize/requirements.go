package harmonize

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// requirementSet is an insertion-ordered set of requirement strings. Two
// requirements are the same when their NFC, case-folded, trimmed forms are
// equal; the first spelling wins.
type requirementSet struct {
	fold  cases.Caser
	seen  map[string]struct{}
	items []string
}

func newRequirementSet() *requirementSet {
	return &requirementSet{
		fold:  cases.Fold(),
		seen:  make(map[string]struct{}),
		items: make([]string, 0),
	}
}

func (s *requirementSet) add(reqs ...string) {
	for _, r := range reqs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := s.fold.String(norm.NFC.String(r))
		if _, dup := s.seen[key]; dup {
			continue
		}
		s.seen[key] = struct{}{}
		s.items = append(s.items, r)
	}
}
