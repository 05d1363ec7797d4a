package logic

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"rocket-dataservice/internal/engine"
	"rocket-dataservice/internal/instrument"
	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
)

// Rule types.
const (
	TypeField      = "field"
	TypeExpression = "expression"
	TypeComputed   = "computed"
)

// hookStages maps a rule hook to the logic stage it runs at.
var hookStages = map[string]engine.LogicStage{
	metadata.HookBeforeValidate: engine.PreValidation,
	metadata.HookBeforeWrite:    engine.PreOperation,
	metadata.HookAfterWrite:     engine.PostOperation,
}

// Rules evaluates the registry's expression rules as ServiceLogic. Compiled
// programs are cached per rule identity, so a metadata reload replaces the
// program of a rule whose expression changed instead of adding one.
type Rules struct {
	reg      *metadata.Registry
	hook     string
	programs sync.Map // programKey -> compiled
}

type programKey struct {
	entity, id, typ string
}

type compiled struct {
	expression string
	program    *vm.Program
}

// RegisterRules installs one hook per rule hook for every table, on Create
// and Update.
func RegisterRules(reg *metadata.Registry, logic *engine.LogicRegistry) {
	for hook, stage := range hookStages {
		r := &Rules{reg: reg, hook: hook}
		logic.Register(engine.AnyTable, metadata.OpCreate, stage, r)
		logic.Register(engine.AnyTable, metadata.OpUpdate, stage, r)
	}
}

func (r *Rules) Execute(ctx context.Context, sc *engine.ServiceContext) error {
	e := sc.Descriptor()
	if e == nil || sc.Entity() == nil {
		return nil
	}
	rules := r.reg.GetRulesForEntity(e.Name, r.hook)
	if len(rules) == 0 {
		return nil
	}

	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "logic", "rules", "rules.evaluate")
	defer span.End()
	span.SetEntity(e.Name, "")
	span.SetMetadata("hook", r.hook)

	action := "update"
	if sc.Operation() == metadata.OpCreate {
		action = "create"
	}
	var old map[string]any
	if pre := sc.PreEntity(); pre != nil {
		old = pre.Map()
	}

	errs := r.Evaluate(rules, e, sc.Entity(), old, action)
	if len(errs) > 0 {
		span.SetStatus("error")
		return engine.ValidationError(errs)
	}
	span.SetStatus("ok")
	return nil
}

// Evaluate runs field rules, then expression rules, then computed rules when
// nothing failed. Computed values are written into rec.
func (r *Rules) Evaluate(rules []*metadata.Rule, e *metadata.Entity, rec *record.Record, old map[string]any, action string) []engine.ErrorDetail {
	fields := rec.Map()
	env := map[string]any{
		"record": fields,
		"old":    old,
		"action": action,
	}

	var errs []engine.ErrorDetail
	for _, typ := range []string{TypeField, TypeExpression} {
		for _, rule := range rules {
			if rule.Type != typ {
				continue
			}
			var detail *engine.ErrorDetail
			if typ == TypeField {
				detail = EvaluateFieldRule(rule, fields)
			} else {
				detail = r.evaluateExpression(rule, env)
			}
			if detail == nil {
				continue
			}
			errs = append(errs, *detail)
			if rule.Definition.StopOnFail {
				return errs
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}

	for _, rule := range rules {
		if rule.Type != TypeComputed {
			continue
		}
		name := rule.Definition.Field
		out, err := r.evaluateComputed(rule, env)
		var v record.Value
		if err == nil {
			v, err = computedValue(e, name, out)
		}
		if err != nil {
			errs = append(errs, engine.ErrorDetail{Field: name, Rule: TypeComputed, Message: err.Error()})
			continue
		}
		rec.Set(name, v)
		fields[name] = v.Any()
	}
	return errs
}

// EvaluateFieldRule checks one field rule. Absent and null fields pass; use
// required for presence.
func EvaluateFieldRule(rule *metadata.Rule, fields map[string]any) *engine.ErrorDetail {
	name := rule.Definition.Field
	val, ok := fields[name]
	if !ok || val == nil {
		return nil
	}

	op := rule.Definition.Operator
	msg := rule.Definition.Message
	if msg == "" {
		msg = fmt.Sprintf("field %s failed %s validation", name, op)
	}
	fail := &engine.ErrorDetail{Field: name, Rule: op, Message: msg}

	switch op {
	case "min", "max":
		num, ok := toFloat64(val)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(rule.Definition.Value)
		if !ok {
			return nil
		}
		if (op == "min" && num < threshold) || (op == "max" && num > threshold) {
			return fail
		}

	case "min_length", "max_length":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		threshold, ok := toFloat64(rule.Definition.Value)
		if !ok {
			return nil
		}
		n := utf8.RuneCountInString(s)
		if (op == "min_length" && n < int(threshold)) || (op == "max_length" && n > int(threshold)) {
			return fail
		}

	case "pattern":
		s, ok := val.(string)
		if !ok {
			return nil
		}
		pattern, ok := rule.Definition.Value.(string)
		if !ok {
			return nil
		}
		matched, err := regexp.MatchString(pattern, s)
		if err != nil || !matched {
			return fail
		}
	}
	return nil
}

// evaluateExpression reports a violation when the expression is true.
func (r *Rules) evaluateExpression(rule *metadata.Rule, env map[string]any) *engine.ErrorDetail {
	prog, err := r.program(rule, expr.AsBool())
	if err != nil {
		return &engine.ErrorDetail{Rule: TypeExpression, Message: fmt.Sprintf("compile error: %v", err)}
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return &engine.ErrorDetail{Rule: TypeExpression, Message: fmt.Sprintf("rule evaluation error: %v", err)}
	}
	if violated, _ := out.(bool); !violated {
		return nil
	}
	msg := rule.Definition.Message
	if msg == "" {
		msg = "Expression rule violated"
	}
	return &engine.ErrorDetail{Field: rule.Definition.Field, Rule: TypeExpression, Message: msg}
}

func (r *Rules) evaluateComputed(rule *metadata.Rule, env map[string]any) (any, error) {
	prog, err := r.program(rule)
	if err != nil {
		return nil, fmt.Errorf("compile computed expression: %w", err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate computed field %s: %w", rule.Definition.Field, err)
	}
	return out, nil
}

func (r *Rules) program(rule *metadata.Rule, opts ...expr.Option) (*vm.Program, error) {
	key := programKey{entity: rule.Entity, id: rule.ID, typ: rule.Type}
	if c, ok := r.programs.Load(key); ok && c.(compiled).expression == rule.Definition.Expression {
		return c.(compiled).program, nil
	}
	p, err := expr.Compile(rule.Definition.Expression, opts...)
	if err != nil {
		return nil, err
	}
	r.programs.Store(key, compiled{expression: rule.Definition.Expression, program: p})
	return p, nil
}

// computedValue wraps an expression result and coerces it to the field type.
func computedValue(e *metadata.Entity, name string, out any) (record.Value, error) {
	v, err := record.FromAny(out)
	if err != nil {
		return record.Value{}, err
	}
	f := e.GetField(name)
	if f == nil {
		return record.Value{}, fmt.Errorf("unknown field %s", name)
	}
	return f.Coerce(v)
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
