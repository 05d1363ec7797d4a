package repository

import (
	"strings"

	"rocket-dataservice/internal/record"
)

// Condition operators.
const (
	OpEq       = "=="
	OpNeq      = "!="
	OpGt       = ">"
	OpLt       = "<"
	OpGte      = ">="
	OpLte      = "<="
	OpContains = "Contains"
	// OpIn matches any of Values. The engine uses it for team row filters.
	OpIn = "In"
)

const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

type Condition struct {
	Field    string         `json:"field"`
	Operator string         `json:"operator"`
	Value    record.Value   `json:"value"`
	Values   []record.Value `json:"values,omitempty"`
}

// Filter is a recursive AND/OR tree. An empty filter matches every row.
type Filter struct {
	Logic      string      `json:"logicalOperator,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	SubFilters []*Filter   `json:"subFilters,omitempty"`
}

func (f *Filter) IsOr() bool {
	return f != nil && strings.EqualFold(f.Logic, LogicOr)
}

func (f *Filter) Empty() bool {
	return f == nil || (len(f.Conditions) == 0 && len(f.SubFilters) == 0)
}

// And combines filters, skipping empty ones.
func And(filters ...*Filter) *Filter {
	out := &Filter{Logic: LogicAnd}
	for _, f := range filters {
		if !f.Empty() {
			out.SubFilters = append(out.SubFilters, f)
		}
	}
	if len(out.SubFilters) == 1 {
		return out.SubFilters[0]
	}
	return out
}

// Or combines filters, skipping empty ones.
func Or(filters ...*Filter) *Filter {
	out := &Filter{Logic: LogicOr}
	for _, f := range filters {
		if !f.Empty() {
			out.SubFilters = append(out.SubFilters, f)
		}
	}
	if len(out.SubFilters) == 1 {
		return out.SubFilters[0]
	}
	return out
}

// Where is a single-condition filter.
func Where(field, op string, v record.Value) *Filter {
	return &Filter{Conditions: []Condition{{Field: field, Operator: op, Value: v}}}
}

// In matches rows whose field equals one of values.
func In(field string, values []record.Value) *Filter {
	return &Filter{Conditions: []Condition{{Field: field, Operator: OpIn, Values: values}}}
}

func knownOperator(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpContains, OpIn:
		return true
	}
	return false
}

// matchFilter evaluates f against a flat row whose join fields are keyed "alias.field".
func matchFilter(f *Filter, row *record.Record) bool {
	if f.Empty() {
		return true
	}
	or := f.IsOr()
	for _, c := range f.Conditions {
		ok := matchCondition(c, row)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	for _, sub := range f.SubFilters {
		if sub.Empty() {
			continue
		}
		ok := matchFilter(sub, row)
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

// matchCondition follows SQL semantics: a null column only matches
// == null and != null.
func matchCondition(c Condition, row *record.Record) bool {
	v := row.Value(c.Field)
	switch c.Operator {
	case OpEq:
		if c.Value.IsNull() {
			return v.IsNull()
		}
		if v.IsNull() {
			return false
		}
		n, ok := record.Compare(v, c.Value)
		return ok && n == 0
	case OpNeq:
		if c.Value.IsNull() {
			return !v.IsNull()
		}
		if v.IsNull() {
			return false
		}
		n, ok := record.Compare(v, c.Value)
		return !ok || n != 0
	case OpGt, OpLt, OpGte, OpLte:
		if v.IsNull() || c.Value.IsNull() {
			return false
		}
		n, ok := record.Compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return n > 0
		case OpLt:
			return n < 0
		case OpGte:
			return n >= 0
		default:
			return n <= 0
		}
	case OpContains:
		if v.IsNull() {
			return false
		}
		return strings.Contains(strings.ToLower(v.Text()), strings.ToLower(c.Value.Text()))
	case OpIn:
		if v.IsNull() {
			return false
		}
		for _, want := range c.Values {
			if v.Equal(want) {
				return true
			}
		}
	}
	return false
}
