package repository

import (
	"fmt"
	"strings"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/store"
)

type sqlStatement struct {
	SQL    string
	Params []any
}

// buildSelectSQL builds a parameterized SELECT for one page of the plan.
func buildSelectSQL(p *plan, d store.Dialect) sqlStatement {
	pb := d.NewParamBuilder()
	sqlStr := selectCore(p, d, pb)

	var orderParts []string
	for _, o := range p.q.OrderBy {
		alias, f, _ := p.resolve(o.Field)
		dir := "ASC"
		if o.Desc() {
			dir = "DESC"
		}
		orderParts = append(orderParts, fmt.Sprintf("%s %s", columnRef(alias, f.Name), dir))
	}
	if p.defaultOrder() {
		orderParts = append(orderParts, columnRef("", p.base.PrimaryKey.Field)+" ASC")
	}
	if len(orderParts) > 0 {
		sqlStr += " ORDER BY " + strings.Join(orderParts, ", ")
	}

	if offset, limit := p.pageBounds(); limit >= 0 {
		sqlStr += fmt.Sprintf(" LIMIT %s OFFSET %s", pb.Add(int64(limit)), pb.Add(int64(offset)))
	}
	return sqlStatement{SQL: sqlStr, Params: pb.Params()}
}

// buildCountSQL counts every row the plan matches, ignoring paging.
func buildCountSQL(p *plan, d store.Dialect) sqlStatement {
	pb := d.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT COUNT(*) AS count FROM (%s) q", selectCore(p, d, pb))
	return sqlStatement{SQL: sqlStr, Params: pb.Params()}
}

func selectCore(p *plan, d store.Dialect, pb store.ParamBuilder) string {
	var cols []string
	for _, c := range p.columns() {
		if c.alias == "" {
			cols = append(cols, columnRef("", c.name))
			continue
		}
		cols = append(cols, fmt.Sprintf("%s AS %s", columnRef(c.alias, c.name), store.QuoteIdent(c.key)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if p.q.Distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(cols, ", "))
	fmt.Fprintf(&b, " FROM %s %s", store.QuoteIdent(p.base.Table), baseAlias)

	for _, j := range p.joins {
		kind := "INNER JOIN"
		if j.Type == "left" {
			kind = "LEFT JOIN"
		}
		fmt.Fprintf(&b, " %s %s %s ON %s = %s", kind,
			store.QuoteIdent(j.entity.Table), store.QuoteIdent(j.Alias),
			columnRef(j.Alias, j.ToField), columnRef(j.fromAlias, j.FromField))
		if !j.Filter.Empty() {
			b.WriteString(" AND " + buildWhereClause(j.Filter, d, pb, func(ref string) (string, *metadata.Field) {
				return columnRef(j.Alias, ref), j.entity.GetField(ref)
			}))
		}
	}

	var where []string
	if af := p.base.ActiveField; af != "" && !p.q.IncludeInactive {
		col := columnRef("", af)
		where = append(where, fmt.Sprintf("(%s IS NULL OR %s = %s)", col, col, pb.Add(true)))
	}
	if !p.q.Filter.Empty() {
		where = append(where, buildWhereClause(p.q.Filter, d, pb, func(ref string) (string, *metadata.Field) {
			alias, f, _ := p.resolve(ref)
			return columnRef(alias, f.Name), f
		}))
	}
	for i, ex := range p.except {
		xa := fmt.Sprintf("x%d", i+1)
		sub := fmt.Sprintf("SELECT 1 FROM %s %s WHERE %s = %s", store.QuoteIdent(ex.entity.Table), xa,
			qualified(xa, ex.ForeignField), columnRef("", ex.LocalField))
		if !ex.Filter.Empty() {
			sub += " AND " + buildWhereClause(ex.Filter, d, pb, func(ref string) (string, *metadata.Field) {
				return qualified(xa, ref), ex.entity.GetField(ref)
			})
		}
		where = append(where, fmt.Sprintf("NOT EXISTS (%s)", sub))
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	return b.String()
}

// buildWhereClause renders a filter tree. Every node is parenthesized so
// AND/OR nesting survives.
func buildWhereClause(f *Filter, d store.Dialect, pb store.ParamBuilder, col func(string) (string, *metadata.Field)) string {
	var parts []string
	for _, c := range f.Conditions {
		expr, field := col(c.Field)
		parts = append(parts, buildCondition(expr, field, c, d, pb))
	}
	for _, sub := range f.SubFilters {
		if sub.Empty() {
			continue
		}
		parts = append(parts, buildWhereClause(sub, d, pb, col))
	}
	if len(parts) == 0 {
		return "1=1"
	}
	joiner := " AND "
	if f.IsOr() {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")"
}

func buildCondition(expr string, field *metadata.Field, c Condition, d store.Dialect, pb store.ParamBuilder) string {
	switch c.Operator {
	case OpEq:
		if c.Value.IsNull() {
			return expr + " IS NULL"
		}
		return fmt.Sprintf("%s = %s", expr, pb.Add(toParam(c.Value, field, d)))
	case OpNeq:
		if c.Value.IsNull() {
			return expr + " IS NOT NULL"
		}
		return fmt.Sprintf("%s != %s", expr, pb.Add(toParam(c.Value, field, d)))
	case OpGt, OpLt, OpGte, OpLte:
		return fmt.Sprintf("%s %s %s", expr, c.Operator, pb.Add(toParam(c.Value, field, d)))
	case OpContains:
		return d.ContainsExpr(expr, pb, c.Value.Text())
	case OpIn:
		values := make([]any, len(c.Values))
		for i, v := range c.Values {
			values[i] = toParam(v, field, d)
		}
		return d.InExpr(expr, pb, values)
	}
	return "1=0"
}

// toParam converts a typed value to a driver argument.
func toParam(v record.Value, field *metadata.Field, d store.Dialect) any {
	switch v.Kind() {
	case record.KindNull:
		return nil
	case record.KindNumber:
		n, _ := v.Num()
		if field != nil && field.IsInteger() {
			return int64(n)
		}
		return n
	case record.KindBool:
		b, _ := v.Boolean()
		return b
	case record.KindTime:
		t, _ := v.Timestamp()
		return d.TimeParam(t)
	}
	s, _ := v.Str()
	return s
}

func columnRef(alias, field string) string {
	if alias == "" {
		return qualified(baseAlias, field)
	}
	return qualified(store.QuoteIdent(alias), field)
}

func qualified(alias, field string) string {
	return alias + "." + store.QuoteIdent(field)
}
