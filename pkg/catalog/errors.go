package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRule matches any *UnknownRuleError via errors.Is.
	ErrUnknownRule = errors.New("unknown rule")
	// ErrCatalog matches any *CatalogError via errors.Is.
	ErrCatalog = errors.New("catalog error")
)

// UnknownRuleError is returned when an operation references a rule id that
// is not present in the loaded catalog.
type UnknownRuleError struct {
	RuleID string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown rule %q", e.RuleID)
}

// Is makes errors.Is(err, ErrUnknownRule) succeed.
func (e *UnknownRuleError) Is(target error) bool {
	return target == ErrUnknownRule
}

// CatalogError reports a missing, unparseable or invalid catalog or
// conflict matrix. It is fatal at startup.
type CatalogError struct {
	Source string
	Err    error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Source, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCatalog) succeed.
func (e *CatalogError) Is(target error) bool {
	return target == ErrCatalog
}

func catalogErr(source string, format string, args ...any) error {
	return &CatalogError{Source: source, Err: fmt.Errorf(format, args...)}
}
