package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// YAML document shapes for declarative schema files. Unknown keys are a
// configuration error, so decoding is strict.

type yamlSchema struct {
	Entities []yamlEntity `yaml:"entities"`
}

type yamlEntity struct {
	Name         string         `yaml:"name"`
	Table        string         `yaml:"table"`
	PrimaryKey   []string       `yaml:"primary_key"`
	Fields       []yamlField    `yaml:"fields"`
	Relations    []yamlRelation `yaml:"relations"`
	LegacyFields []string       `yaml:"legacy_fields"`
}

type yamlField struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Array       bool   `yaml:"array"`
	JSON        bool   `yaml:"json"`
	Nullable    bool   `yaml:"nullable"`
	Expr        string `yaml:"expr"`
	Relation    string `yaml:"relation"`
	TargetField string `yaml:"target_field"`
}

type yamlRelation struct {
	Name        string     `yaml:"name"`
	Target      string     `yaml:"target"`
	Cardinality string     `yaml:"cardinality"`
	On          []yamlPair `yaml:"on"`
}

type yamlPair struct {
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
}

// LoadFile reads a YAML schema file into a validated registry.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema: %w", err)
	}
	defer f.Close()
	reg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Load reads a YAML schema document into a validated registry.
func Load(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc yamlSchema
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if len(doc.Entities) == 0 {
		return nil, fmt.Errorf("schema defines no entities")
	}

	reg := NewRegistry()
	for _, ye := range doc.Entities {
		e := &Entity{
			Name:         ye.Name,
			Table:        ye.Table,
			PrimaryKey:   ye.PrimaryKey,
			LegacyFields: ye.LegacyFields,
		}
		for _, yf := range ye.Fields {
			kind := FieldKind(yf.Kind)
			if yf.Kind == "" {
				kind = KindColumn
			}
			e.Fields = append(e.Fields, Field{
				Name:        yf.Name,
				Kind:        kind,
				Array:       yf.Array,
				JSON:        yf.JSON,
				Nullable:    yf.Nullable,
				Expr:        yf.Expr,
				Relation:    yf.Relation,
				TargetField: yf.TargetField,
			})
		}
		for _, yr := range ye.Relations {
			rel := Relation{
				Name:        yr.Name,
				Target:      yr.Target,
				Cardinality: Cardinality(yr.Cardinality),
			}
			for _, p := range yr.On {
				rel.On = append(rel.On, ColumnPair{Local: p.Local, Remote: p.Remote})
			}
			e.Relations = append(e.Relations, rel)
		}
		if err := reg.Register(e); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}
