// Package guidance selects the strategy/method bias injected into the next
// round's attacker behavior. Codes come from small curated catalogs keyed
// by scenario kind; model output that wanders off-catalog is normalized to
// safe defaults instead of failing the round.
package guidance

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalogs.yaml
var embeddedCatalogs []byte

// Entry is one selectable strategy or method.
type Entry struct {
	Code        string `yaml:"code"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Catalog holds the closed code sets for one scenario kind: exactly five
// strategies and exactly three methods.
type Catalog struct {
	Strategies []Entry `yaml:"strategies"`
	Methods    []Entry `yaml:"methods"`
}

// Validate enforces the fixed catalog shape.
func (c Catalog) Validate() error {
	if len(c.Strategies) != 5 {
		return fmt.Errorf("catalog has %d strategies, want 5", len(c.Strategies))
	}
	if len(c.Methods) != 3 {
		return fmt.Errorf("catalog has %d methods, want 3", len(c.Methods))
	}
	seen := make(map[string]bool)
	for _, e := range append(append([]Entry{}, c.Strategies...), c.Methods...) {
		if e.Code == "" {
			return fmt.Errorf("catalog entry %q has empty code", e.Name)
		}
		if seen[e.Code] {
			return fmt.Errorf("duplicate catalog code %q", e.Code)
		}
		seen[e.Code] = true
	}
	return nil
}

// HasStrategy reports whether code is in the strategy set.
func (c Catalog) HasStrategy(code string) bool { return hasCode(c.Strategies, code) }

// HasMethod reports whether code is in the method set.
func (c Catalog) HasMethod(code string) bool { return hasCode(c.Methods, code) }

func hasCode(entries []Entry, code string) bool {
	for _, e := range entries {
		if e.Code == code {
			return true
		}
	}
	return false
}

// CatalogSet maps scenario kinds to catalogs. Unknown kinds fall back to
// the "default" catalog.
type CatalogSet struct {
	byKind map[string]Catalog
}

// ParseCatalogSet loads catalogs from YAML and validates every catalog.
func ParseCatalogSet(data []byte) (*CatalogSet, error) {
	var raw struct {
		Catalogs map[string]Catalog `yaml:"catalogs"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("catalog yaml: %w", err)
	}
	if _, ok := raw.Catalogs["default"]; !ok {
		return nil, fmt.Errorf("catalog yaml: missing \"default\" catalog")
	}
	for kind, c := range raw.Catalogs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("catalog %q: %w", kind, err)
		}
	}
	return &CatalogSet{byKind: raw.Catalogs}, nil
}

// DefaultCatalogSet returns the embedded catalogs. The embedded file is
// validated at build time by the package tests, so a parse failure here is
// a programming error.
func DefaultCatalogSet() *CatalogSet {
	set, err := ParseCatalogSet(embeddedCatalogs)
	if err != nil {
		panic(fmt.Sprintf("embedded guidance catalogs invalid: %v", err))
	}
	return set
}

// For returns the catalog for a scenario kind, falling back to default.
func (s *CatalogSet) For(kind string) Catalog {
	if c, ok := s.byKind[kind]; ok {
		return c
	}
	return s.byKind["default"]
}

// Kinds lists the scenario kinds with a dedicated catalog.
func (s *CatalogSet) Kinds() []string {
	kinds := make([]string, 0, len(s.byKind))
	for k := range s.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}
