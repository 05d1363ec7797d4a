package logic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rocket-dataservice/internal/engine"
	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

func orderEntity() *metadata.Entity {
	return &metadata.Entity{
		Name: "Order",
		Fields: []metadata.Field{
			{Name: "Qty", Type: "int"},
			{Name: "UnitPrice", Type: "decimal"},
			{Name: "Total", Type: "decimal", Nullable: true},
			{Name: "Code", Type: "string", Nullable: true},
		},
	}
}

func orderRules() []*metadata.Rule {
	return []*metadata.Rule{
		{ID: "qty-min", Entity: "Order", Hook: metadata.HookBeforeValidate, Type: TypeField, Active: true,
			Definition: metadata.RuleDefinition{Field: "Qty", Operator: "min", Value: 1, Message: "Qty must be at least 1"}},
		{ID: "no-decrease", Entity: "Order", Hook: metadata.HookBeforeWrite, Type: TypeExpression, Active: true,
			Definition: metadata.RuleDefinition{Field: "Qty", Expression: `action == "update" && record.Qty < old.Qty`, Message: "Qty cannot decrease"}},
		{ID: "total", Entity: "Order", Hook: metadata.HookBeforeWrite, Type: TypeComputed, Active: true, Priority: 10,
			Definition: metadata.RuleDefinition{Field: "Total", Expression: "record.Qty * record.UnitPrice"}},
	}
}

func newOrderService(t *testing.T, logger *zap.Logger) (*engine.Service, *engine.LogicRegistry) {
	t.Helper()
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Register(orderEntity()))
	reg.LoadRules(orderRules())
	require.NoError(t, reg.Validate())

	var perms []string
	for _, op := range []metadata.Operation{metadata.OpCreate, metadata.OpRead, metadata.OpUpdate, metadata.OpDelete} {
		perms = append(perms, permission.Name("Order", op, permission.System))
	}
	src := permission.NewStaticSource(
		[]metadata.Grant{{Role: "clerk", Permissions: perms}},
		[]metadata.Member{{User: "u1", Roles: []string{"clerk"}}},
	)
	resolver := permission.NewResolver(src, nil, 0, zap.NewNop())

	logic := engine.NewLogicRegistry()
	RegisterRules(reg, logic)
	svc, err := engine.NewService(reg, repository.NewMemory(reg), resolver, logic, logger, engine.Options{})
	require.NoError(t, err)
	return svc, logic
}

func orderFields(t *testing.T, m map[string]any) *record.Record {
	t.Helper()
	r, err := record.FromMap(m)
	require.NoError(t, err)
	return r
}

func TestEvaluateFieldRule(t *testing.T) {
	rule := func(field, op string, value any) *metadata.Rule {
		return &metadata.Rule{Type: TypeField, Definition: metadata.RuleDefinition{Field: field, Operator: op, Value: value}}
	}

	tests := []struct {
		name   string
		rule   *metadata.Rule
		fields map[string]any
		fails  bool
	}{
		{"min ok", rule("Qty", "min", 1), map[string]any{"Qty": float64(1)}, false},
		{"min fails", rule("Qty", "min", 1), map[string]any{"Qty": float64(0)}, true},
		{"max fails", rule("Qty", "max", 10.5), map[string]any{"Qty": 11}, true},
		{"absent passes", rule("Qty", "min", 1), map[string]any{}, false},
		{"null passes", rule("Qty", "min", 1), map[string]any{"Qty": nil}, false},
		{"non-numeric ignored", rule("Qty", "min", 1), map[string]any{"Qty": "zero"}, false},
		{"min_length counts runes", rule("Code", "min_length", 3), map[string]any{"Code": "äöü"}, false},
		{"max_length fails", rule("Code", "max_length", 2), map[string]any{"Code": "abc"}, true},
		{"pattern ok", rule("Code", "pattern", `^[A-Z]{3}$`), map[string]any{"Code": "ABC"}, false},
		{"pattern fails", rule("Code", "pattern", `^[A-Z]{3}$`), map[string]any{"Code": "abc"}, true},
		{"bad pattern fails", rule("Code", "pattern", `([`), map[string]any{"Code": "abc"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateFieldRule(tt.rule, tt.fields)
			if !tt.fails {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.rule.Definition.Field, got.Field)
			assert.Equal(t, tt.rule.Definition.Operator, got.Rule)
			assert.Contains(t, got.Message, "failed "+tt.rule.Definition.Operator)
		})
	}
}

func TestRules_Evaluate(t *testing.T) {
	e := orderEntity()
	e.Normalize()
	r := &Rules{}

	expr := func(expression, msg string, stop bool) *metadata.Rule {
		return &metadata.Rule{Type: TypeExpression, Definition: metadata.RuleDefinition{Expression: expression, Message: msg, StopOnFail: stop}}
	}
	total := &metadata.Rule{Type: TypeComputed, Definition: metadata.RuleDefinition{Field: "Total", Expression: "record.Qty * record.UnitPrice"}}

	t.Run("computed after passing checks", func(t *testing.T) {
		rec := orderFields(t, map[string]any{"Qty": 3, "UnitPrice": 2.5})
		errs := r.Evaluate([]*metadata.Rule{total, expr("record.Qty > 10", "", false)}, e, rec, nil, "create")
		assert.Empty(t, errs)
		assert.Equal(t, float64(7.5), rec.Value("Total").Any())
	})

	t.Run("failures skip computed", func(t *testing.T) {
		rec := orderFields(t, map[string]any{"Qty": 30, "UnitPrice": 2})
		errs := r.Evaluate([]*metadata.Rule{total, expr("record.Qty > 10", "too many", false), expr("record.UnitPrice < 5", "", false)}, e, rec, nil, "create")
		require.Len(t, errs, 2)
		assert.Equal(t, "too many", errs[0].Message)
		assert.Equal(t, "Expression rule violated", errs[1].Message)
		assert.False(t, rec.Has("Total"))
	})

	t.Run("stop on fail", func(t *testing.T) {
		rec := orderFields(t, map[string]any{"Qty": 0, "UnitPrice": 2})
		rules := []*metadata.Rule{
			{Type: TypeField, Definition: metadata.RuleDefinition{Field: "Qty", Operator: "min", Value: 1, StopOnFail: true}},
			expr("record.UnitPrice < 5", "cheap", false),
		}
		errs := r.Evaluate(rules, e, rec, nil, "create")
		require.Len(t, errs, 1)
		assert.Equal(t, "min", errs[0].Rule)
	})

	t.Run("old values", func(t *testing.T) {
		rec := orderFields(t, map[string]any{"Qty": 1})
		rule := expr(`action == "update" && record.Qty < old.Qty`, "", false)
		assert.Empty(t, r.Evaluate([]*metadata.Rule{rule}, e, rec, nil, "create"))
		assert.Len(t, r.Evaluate([]*metadata.Rule{rule}, e, rec, map[string]any{"Qty": float64(2)}, "update"), 1)
	})

	t.Run("compile error", func(t *testing.T) {
		rec := orderFields(t, map[string]any{"Qty": 1})
		errs := r.Evaluate([]*metadata.Rule{expr("record.Qty >", "", false)}, e, rec, nil, "create")
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "compile error")
	})

	t.Run("computed into unknown field", func(t *testing.T) {
		rec := orderFields(t, map[string]any{"Qty": 1})
		bad := &metadata.Rule{Type: TypeComputed, Definition: metadata.RuleDefinition{Field: "Nope", Expression: "1"}}
		errs := r.Evaluate([]*metadata.Rule{bad}, e, rec, nil, "create")
		require.Len(t, errs, 1)
		assert.Equal(t, "Nope", errs[0].Field)
		assert.False(t, rec.Has("Nope"))
	})
}

func TestRules_ProgramsAreCached(t *testing.T) {
	r := &Rules{}
	rule := &metadata.Rule{ID: "double", Entity: "Order", Type: TypeComputed, Definition: metadata.RuleDefinition{Expression: "1 + 1"}}
	p1, err := r.program(rule)
	require.NoError(t, err)

	reloaded := *rule
	p2, err := r.program(&reloaded)
	require.NoError(t, err)
	assert.Same(t, p1, p2, "a reloaded copy of the rule reuses its program")

	reloaded.Definition.Expression = "2 + 2"
	p3, err := r.program(&reloaded)
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)

	count := 0
	r.programs.Range(func(any, any) bool { count++; return true })
	assert.Equal(t, 1, count, "a changed expression replaces the cached program")
}

func TestRegisterRules_RunsInPipeline(t *testing.T) {
	svc, _ := newOrderService(t, zap.NewNop())
	ctx := context.Background()

	resp := svc.Create(ctx, "u1", engine.WriteRequest{Table: "Order", Fields: orderFields(t, map[string]any{"Qty": 0, "UnitPrice": 4})})
	require.False(t, resp.Succeeded)
	assert.Equal(t, engine.CodeValidationFailed, resp.Code)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "Qty must be at least 1", resp.Details[0].Message)
	assert.Equal(t, engine.LogicStageName(engine.PreValidation), resp.FailedStage)

	resp = svc.Create(ctx, "u1", engine.WriteRequest{Table: "Order", Fields: orderFields(t, map[string]any{"Qty": 2, "UnitPrice": 4})})
	require.True(t, resp.Succeeded, resp.LogMessage)
	assert.Equal(t, float64(8), resp.Data.Value("Total").Any())
	id := resp.Data.Value("Id")

	resp = svc.Update(ctx, "u1", engine.WriteRequest{Table: "Order", ID: id, Fields: orderFields(t, map[string]any{"Qty": 1})})
	require.False(t, resp.Succeeded)
	assert.Equal(t, "Qty cannot decrease", resp.Details[0].Message)

	resp = svc.Update(ctx, "u1", engine.WriteRequest{Table: "Order", ID: id, Fields: orderFields(t, map[string]any{"Qty": 5})})
	require.True(t, resp.Succeeded, resp.LogMessage)
	assert.Equal(t, float64(20), resp.Data.Value("Total").Any())
}

func TestBulkAudit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	svc, logic := newOrderService(t, zap.NewNop())
	logic.RegisterBulk(NewBulkAudit(zap.New(core)))

	resp := svc.Bulk(context.Background(), "u1", engine.BulkRequest{Creates: []engine.WriteRequest{
		{Table: "Order", Fields: orderFields(t, map[string]any{"Qty": 1, "UnitPrice": 1})},
		{Table: "Order", Fields: orderFields(t, map[string]any{"Qty": 2, "UnitPrice": 1})},
	}})
	require.True(t, resp.Succeeded, resp.LogMessage)
	assert.Equal(t, 2, resp.OutputParameters["audited"])

	entries := logs.FilterMessage("bulk operation").All()
	require.Len(t, entries, 2)
	ctxMap := entries[1].ContextMap()
	assert.Equal(t, "Order", ctxMap["table"])
	assert.Equal(t, "Create", ctxMap["kind"])
	assert.Equal(t, "u1", ctxMap["user"])
	assert.Equal(t, resp.Data.Creates[1].Value("Id").Text(), ctxMap["id"])
	assert.Equal(t, "audit", entries[1].LoggerName)

	resp = svc.Bulk(context.Background(), "u1", engine.BulkRequest{Creates: []engine.WriteRequest{
		{Table: "Order", Fields: orderFields(t, map[string]any{"Qty": 0, "UnitPrice": 1})},
	}})
	require.False(t, resp.Succeeded)
	assert.Len(t, logs.FilterMessage("bulk operation").All(), 2, "failed calls are not audited")
}
