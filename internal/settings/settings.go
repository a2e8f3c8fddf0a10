// Package settings holds the server-author security configuration for one
// entity's query surface: allow/deny lists, forced inclusion and exclusion,
// row caps, per-section enable flags, and the nested-settings chain handed
// to recursive join compilation.
package settings

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mqc/internal/schema"
)

// Scope is the recognized-options security configuration for one entity.
// A zero Scope permits everything.
type Scope struct {
	// RoFields and RwFields are recognized for write-side helpers and
	// only validated here; query compilation does not consume them.
	RoFields []string `yaml:"ro_fields"`
	RwFields []string `yaml:"rw_fields"`

	DefaultProjection []string            `yaml:"default_projection"`
	DefaultExclude    []string            `yaml:"default_exclude"`
	ForceInclude      []string            `yaml:"force_include"`
	ForceExclude      []string            `yaml:"force_exclude"`
	EnsureLoaded      []string            `yaml:"ensure_loaded"`
	BundledProject    map[string][]string `yaml:"bundled_project"`

	ForceFilter map[string]any `yaml:"force_filter"`

	// AllowedRelations nil means every relation is allowed.
	AllowedRelations []string `yaml:"allowed_relations"`
	BannedRelations  []string `yaml:"banned_relations"`

	// AggregateColumns and AggregateLabels are two independent gates:
	// the first allow-lists which columns may be exposed raw, the second
	// permits labeling raw columns at all.
	AggregateColumns []string `yaml:"aggregate_columns"`
	AggregateLabels  bool     `yaml:"aggregate_labels"`

	MaxItems int `yaml:"max_items"`

	LegacyFields []string `yaml:"legacy_fields"`

	ProjectEnabled   *bool `yaml:"project_enabled"`
	FilterEnabled    *bool `yaml:"filter_enabled"`
	SortEnabled      *bool `yaml:"sort_enabled"`
	GroupEnabled     *bool `yaml:"group_enabled"`
	JoinEnabled      *bool `yaml:"join_enabled"`
	JoinfEnabled     *bool `yaml:"joinf_enabled"`
	AggregateEnabled *bool `yaml:"aggregate_enabled"`
	LimitEnabled     *bool `yaml:"limit_enabled"`
	CountEnabled     *bool `yaml:"count_enabled"`

	// Related is keyed by relation name, RelatedEntities by target entity
	// name. Both accept a "*" wildcard entry.
	Related         map[string]*Nested `yaml:"related"`
	RelatedEntities map[string]*Nested `yaml:"related_models"`
}

// Nested is a settings value for a nested join scope: either an immediate
// Scope or a lazy constructor evaluated on first use. A Scope template is
// shared across concurrent compilations, so the constructor runs exactly
// once.
type Nested struct {
	scope *Scope
	fn    func() *Scope
	once  sync.Once
}

// Value wraps an immediate nested scope.
func Value(s *Scope) *Nested { return &Nested{scope: s} }

// Lazy wraps a nested scope constructor.
func Lazy(fn func() *Scope) *Nested { return &Nested{fn: fn} }

func (n *Nested) resolve() *Scope {
	if n == nil {
		return nil
	}
	if n.fn != nil {
		n.once.Do(func() { n.scope = n.fn() })
	}
	return n.scope
}

// UnmarshalYAML decodes a nested scope given inline.
func (n *Nested) UnmarshalYAML(node *yaml.Node) error {
	var s Scope
	if err := node.Decode(&s); err != nil {
		return err
	}
	n.scope = &s
	return nil
}

var empty = &Scope{}

// ForRelation resolves the settings for a nested join: the relation-name
// table wins over the target-entity table, each with its own "*" wildcard
// fallback, and absence means an empty (permit-everything) scope.
func (s *Scope) ForRelation(relation, targetEntity string) *Scope {
	if s == nil {
		return empty
	}
	if n, ok := s.Related[relation]; ok {
		if r := n.resolve(); r != nil {
			return r
		}
	}
	if n, ok := s.Related["*"]; ok {
		if r := n.resolve(); r != nil {
			return r
		}
	}
	if n, ok := s.RelatedEntities[targetEntity]; ok {
		if r := n.resolve(); r != nil {
			return r
		}
	}
	if n, ok := s.RelatedEntities["*"]; ok {
		if r := n.resolve(); r != nil {
			return r
		}
	}
	return empty
}

// SectionEnabled reports whether a query-object section is enabled.
// Unset means enabled.
func (s *Scope) SectionEnabled(section string) bool {
	if s == nil {
		return true
	}
	var flag *bool
	switch section {
	case "project":
		flag = s.ProjectEnabled
	case "filter":
		flag = s.FilterEnabled
	case "sort":
		flag = s.SortEnabled
	case "group":
		flag = s.GroupEnabled
	case "join":
		flag = s.JoinEnabled
	case "joinf":
		flag = s.JoinfEnabled
	case "aggregate":
		flag = s.AggregateEnabled
	case "limit", "skip":
		flag = s.LimitEnabled
	case "count":
		flag = s.CountEnabled
	}
	return flag == nil || *flag
}

// RelationAllowed applies the allow-list then the deny-list.
func (s *Scope) RelationAllowed(name string) bool {
	if s == nil {
		return true
	}
	if s.AllowedRelations != nil && !contains(s.AllowedRelations, name) {
		return false
	}
	return !contains(s.BannedRelations, name)
}

// Legacy reports whether name is configured as a retired field.
func (s *Scope) Legacy(name string) bool {
	return s != nil && contains(s.LegacyFields, name)
}

// AggregateColumnAllowed checks the raw-column allow-list.
func (s *Scope) AggregateColumnAllowed(name string) bool {
	return s != nil && contains(s.AggregateColumns, name)
}

// Validate checks every configured name against the entity it guards.
func (s *Scope) Validate(ent *schema.Entity) error {
	if s == nil {
		return nil
	}
	check := func(option string, names []string) error {
		for _, name := range names {
			if _, ok := ent.Field(name); ok {
				continue
			}
			if ent.Legacy(name) || contains(s.LegacyFields, name) {
				continue
			}
			return fmt.Errorf("settings for %s: %s names unknown field %q", ent.Name, option, name)
		}
		return nil
	}
	for option, names := range map[string][]string{
		"ro_fields":          s.RoFields,
		"rw_fields":          s.RwFields,
		"default_projection": s.DefaultProjection,
		"default_exclude":    s.DefaultExclude,
		"force_include":      s.ForceInclude,
		"force_exclude":      s.ForceExclude,
		"ensure_loaded":      s.EnsureLoaded,
		"aggregate_columns":  s.AggregateColumns,
	} {
		if err := check(option, names); err != nil {
			return err
		}
	}
	for relations, names := range map[string][]string{
		"allowed_relations": s.AllowedRelations,
		"banned_relations":  s.BannedRelations,
	} {
		for _, name := range names {
			if _, ok := ent.Relation(name); !ok {
				return fmt.Errorf("settings for %s: %s names unknown relation %q", ent.Name, relations, name)
			}
		}
	}
	for name := range s.Related {
		if name == "*" {
			continue
		}
		if _, ok := ent.Relation(name); !ok {
			return fmt.Errorf("settings for %s: related names unknown relation %q", ent.Name, name)
		}
	}
	return nil
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}
