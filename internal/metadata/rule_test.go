package metadata

import (
	"encoding/json"
	"testing"
)

func TestRuleParsing_FieldRule(t *testing.T) {
	raw := `{
		"field": "total",
		"operator": "min",
		"value": 0,
		"message": "Total must be non-negative"
	}`
	var def RuleDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("parse field rule: %v", err)
	}
	if def.Field != "total" {
		t.Fatalf("expected field=total, got %s", def.Field)
	}
	if def.Operator != "min" {
		t.Fatalf("expected operator=min, got %s", def.Operator)
	}
	if def.Value != float64(0) {
		t.Fatalf("expected value=0, got %v", def.Value)
	}
	if def.Message != "Total must be non-negative" {
		t.Fatalf("expected message, got %s", def.Message)
	}
}

func TestRuleParsing_ExpressionRule(t *testing.T) {
	raw := `{
		"expression": "record.status == 'paid' && record.payment_date == nil",
		"message": "Payment date is required when status is paid",
		"stop_on_fail": true
	}`
	var def RuleDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("parse expression rule: %v", err)
	}
	if def.Expression != "record.status == 'paid' && record.payment_date == nil" {
		t.Fatalf("expression mismatch: %s", def.Expression)
	}
	if !def.StopOnFail {
		t.Fatal("expected stop_on_fail=true")
	}
}

func TestRuleParsing_ComputedField(t *testing.T) {
	raw := `{
		"field": "total",
		"expression": "record.subtotal * (1 + record.tax_rate)"
	}`
	var def RuleDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("parse computed rule: %v", err)
	}
	if def.Field != "total" {
		t.Fatalf("expected field=total, got %s", def.Field)
	}
	if def.Expression != "record.subtotal * (1 + record.tax_rate)" {
		t.Fatalf("expression mismatch: %s", def.Expression)
	}
}

func TestRule_YAMLDefaults(t *testing.T) {
	schema, err := ParseSchema([]byte(`
rules:
  - entity: invoice
    type: field
    definition:
      field: total
      operator: min
      value: 0
  - entity: invoice
    type: expression
    hook: after_write
    active: false
    definition:
      expression: "record.total > 100"
`))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	if len(schema.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(schema.Rules))
	}
	first := schema.Rules[0]
	if !first.Active || first.Hook != HookBeforeWrite {
		t.Fatalf("expected active before_write default, got active=%v hook=%s", first.Active, first.Hook)
	}
	if first.ID != "invoice-1" {
		t.Fatalf("expected generated id invoice-1, got %s", first.ID)
	}
	second := schema.Rules[1]
	if second.Active || second.Hook != HookAfterWrite {
		t.Fatalf("explicit values must win, got active=%v hook=%s", second.Active, second.Hook)
	}
}

func TestRegistryGetRulesForEntity(t *testing.T) {
	reg := NewRegistry()
	rules := []*Rule{
		{ID: "1", Entity: "invoice", Hook: "before_write", Type: "field", Active: true},
		{ID: "2", Entity: "invoice", Hook: "before_write", Type: "expression", Active: true},
		{ID: "3", Entity: "invoice", Hook: "after_write", Type: "expression", Active: true},
		{ID: "4", Entity: "customer", Hook: "before_write", Type: "field", Active: true},
		{ID: "5", Entity: "invoice", Hook: "before_write", Type: "field", Active: false},
	}
	reg.LoadRules(rules)

	beforeWrite := reg.GetRulesForEntity("invoice", "before_write")
	if len(beforeWrite) != 2 {
		t.Fatalf("expected 2 active before_write rules for invoice, got %d", len(beforeWrite))
	}

	afterWrite := reg.GetRulesForEntity("invoice", "after_write")
	if len(afterWrite) != 1 {
		t.Fatalf("expected 1 after_write rule for invoice, got %d", len(afterWrite))
	}

	customerRules := reg.GetRulesForEntity("customer", "before_write")
	if len(customerRules) != 1 {
		t.Fatalf("expected 1 rule for customer, got %d", len(customerRules))
	}

	noRules := reg.GetRulesForEntity("nonexistent", "before_write")
	if len(noRules) != 0 {
		t.Fatalf("expected 0 rules for nonexistent, got %d", len(noRules))
	}
}
