package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// document is the on-disk shape of a catalog file. A rule catalog and a
// conflict matrix may live in one document or in two.
type document struct {
	Version   string              `yaml:"version"`
	Regions   map[string][]string `yaml:"regions"`
	Rules     []*Rule             `yaml:"rules"`
	Conflicts []*ConflictEntry    `yaml:"conflicts"`
}

// LoadOptions control catalog acceptance.
type LoadOptions struct {
	// MinVersion, when set, is a semver the catalog version must reach.
	MinVersion string
	// AllowEmpty permits a catalog without rules.
	AllowEmpty bool
}

// LoadOption mutates LoadOptions.
type LoadOption func(*LoadOptions)

// WithMinVersion rejects catalogs older than v.
func WithMinVersion(v string) LoadOption {
	return func(o *LoadOptions) { o.MinVersion = v }
}

// WithAllowEmpty permits an empty rule set.
func WithAllowEmpty(allow bool) LoadOption {
	return func(o *LoadOptions) { o.AllowEmpty = allow }
}

// Load reads a combined document holding both rules and conflicts.
func Load(path string, opts ...LoadOption) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CatalogError{Source: path, Err: err}
	}
	doc, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	c, err := buildCatalog(path, doc, opts)
	if err != nil {
		return nil, err
	}
	m, err := buildMatrix(path, doc)
	if err != nil {
		return nil, err
	}
	if err := c.AttachMatrix(m); err != nil {
		return nil, &CatalogError{Source: path, Err: err}
	}
	return c, nil
}

// LoadRuleCatalog reads the rules of a catalog file. Conflicts in the same
// file are ignored; use Load or LoadConflictMatrix for those.
func LoadRuleCatalog(path string, opts ...LoadOption) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CatalogError{Source: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	return ParseRuleCatalog(path, f, opts...)
}

// ParseRuleCatalog reads a rule catalog from r. source names the input in
// errors.
func ParseRuleCatalog(source string, r io.Reader, opts ...LoadOption) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &CatalogError{Source: source, Err: err}
	}
	doc, err := decode(source, data)
	if err != nil {
		return nil, err
	}
	return buildCatalog(source, doc, opts)
}

// LoadConflictMatrix reads a conflict matrix file.
func LoadConflictMatrix(path string) (*ConflictMatrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &CatalogError{Source: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	return ParseConflictMatrix(path, f)
}

// ParseConflictMatrix reads a conflict matrix from r.
func ParseConflictMatrix(source string, r io.Reader) (*ConflictMatrix, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &CatalogError{Source: source, Err: err}
	}
	doc, err := decode(source, data)
	if err != nil {
		return nil, err
	}
	return buildMatrix(source, doc)
}

func decode(source string, data []byte) (*document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, catalogErr(source, "empty document")
	}

	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, catalogErr(source, "parse: %w", err)
	}
	if err := validateDocument(generic); err != nil {
		return nil, &CatalogError{Source: source, Err: err}
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, catalogErr(source, "decode: %w", err)
	}
	return &doc, nil
}

func buildCatalog(source string, doc *document, opts []LoadOption) (*Catalog, error) {
	o := LoadOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if err := checkVersion(doc.Version, o.MinVersion); err != nil {
		return nil, &CatalogError{Source: source, Err: err}
	}
	if len(doc.Rules) == 0 && !o.AllowEmpty {
		return nil, catalogErr(source, "catalog has no rules and empty catalogs are not allowed")
	}

	c, err := New(doc.Version, doc.Rules, doc.Regions)
	if err != nil {
		return nil, &CatalogError{Source: source, Err: err}
	}
	return c, nil
}

func buildMatrix(source string, doc *document) (*ConflictMatrix, error) {
	m := NewConflictMatrix()
	m.Version = doc.Version
	for i, e := range doc.Conflicts {
		if err := m.Add(e); err != nil {
			return nil, catalogErr(source, "conflicts[%d]: %w", i, err)
		}
	}
	return m, nil
}

func checkVersion(version, minVersion string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}
	if minVersion == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(">= " + minVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("version %s is older than required %s", v, minVersion)
	}
	return nil
}
