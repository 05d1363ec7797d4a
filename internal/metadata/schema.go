package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Schema is the YAML document describing entities, relations, rules and
// the role grants used to seed the permission tables.
type Schema struct {
	Entities  []*Entity   `yaml:"entities"`
	Relations []*Relation `yaml:"relations"`
	Rules     []*Rule     `yaml:"rules"`
	Grants    []Grant     `yaml:"grants"`
	Members   []Member    `yaml:"members"`
}

// LoadFile parses a schema file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}

func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	for i, rule := range s.Rules {
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("%s-%d", rule.Entity, i+1)
		}
	}
	return &s, nil
}

// Apply registers the schema's entities, relations and rules.
func (s *Schema) Apply(reg *Registry) error {
	for _, e := range s.Entities {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	reg.AddRelations(s.Relations...)
	reg.LoadRules(s.Rules)
	return nil
}
