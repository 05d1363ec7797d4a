package metadata

import "gopkg.in/yaml.v3"

// Rule hooks.
const (
	HookBeforeValidate = "before_validate"
	HookBeforeWrite    = "before_write"
	HookAfterWrite     = "after_write"
)

// RuleDefinition is the JSON content of a rule.
type RuleDefinition struct {
	// Field rules
	Field    string `json:"field,omitempty" yaml:"field"`
	Operator string `json:"operator,omitempty" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value"`

	// Expression / computed rules
	Expression string `json:"expression,omitempty" yaml:"expression"`

	// Shared
	Message    string `json:"message,omitempty" yaml:"message"`
	StopOnFail bool   `json:"stop_on_fail,omitempty" yaml:"stop_on_fail"`
}

// Rule represents a validation or computed rule from the _rules table or a schema file.
type Rule struct {
	ID         string         `json:"id" yaml:"id"`
	Entity     string         `json:"entity" yaml:"entity"`
	Hook       string         `json:"hook" yaml:"hook"`
	Type       string         `json:"type" yaml:"type"` // "field", "expression", "computed"
	Definition RuleDefinition `json:"definition" yaml:"definition"`
	Priority   int            `json:"priority" yaml:"priority"`
	Active     bool           `json:"active" yaml:"active"`
}

// UnmarshalYAML defaults active to true and hook to before_write.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	p := plain{Active: true, Hook: HookBeforeWrite}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}
