package repository

import (
	"fmt"
	"strings"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
)

// baseAlias names the base table in generated SQL and may not be used as a join alias.
const baseAlias = "t"

type joinPlan struct {
	Join
	entity    *metadata.Entity
	fromAlias string // "" is the base table
}

type exceptPlan struct {
	Except
	entity *metadata.Entity
}

// plan is a validated query with every field reference resolved.
type plan struct {
	q       Query
	base    *metadata.Entity
	joins   []joinPlan
	except  []exceptPlan
	aliases map[string]*metadata.Entity
}

// Prepare validates q against the registry and coerces filter values to
// the declared field types. The returned query has defaults applied.
func Prepare(reg *metadata.Registry, q Query) (Query, error) {
	p, err := newPlan(reg, q)
	if err != nil {
		return Query{}, err
	}
	return p.q, nil
}

func newPlan(reg *metadata.Registry, q Query) (*plan, error) {
	base := reg.GetEntity(q.Table)
	if base == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, q.Table)
	}
	p := &plan{base: base, aliases: make(map[string]*metadata.Entity)}

	if q.Page < 1 {
		q.Page = 1
	}
	if q.MaxResults != nil && *q.MaxResults < 0 {
		return nil, fmt.Errorf("%w: maxResults must not be negative", ErrInvalidQuery)
	}
	if len(q.Fields) == 0 {
		q.Fields = base.FieldNames()
	}
	for _, f := range q.Fields {
		if !base.HasField(f) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, base.Name, f)
		}
	}

	joins := make([]Join, len(q.Joins))
	for i, j := range q.Joins {
		jp, err := p.planJoin(reg, j)
		if err != nil {
			return nil, err
		}
		p.joins = append(p.joins, jp)
		p.aliases[jp.Alias] = jp.entity
		joins[i] = jp.Join
	}
	q.Joins = joins

	filter, err := p.prepareFilter(q.Filter, p.resolve)
	if err != nil {
		return nil, err
	}
	q.Filter = filter

	excepts := make([]Except, len(q.Except))
	for i, ex := range q.Except {
		e := reg.GetEntity(ex.Table)
		if e == nil {
			return nil, fmt.Errorf("%w: except %s", ErrUnknownTable, ex.Table)
		}
		if !base.HasField(ex.LocalField) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, base.Name, ex.LocalField)
		}
		if !e.HasField(ex.ForeignField) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Name, ex.ForeignField)
		}
		ex.Filter, err = p.prepareFilter(ex.Filter, unqualified(e))
		if err != nil {
			return nil, err
		}
		p.except = append(p.except, exceptPlan{Except: ex, entity: e})
		excepts[i] = ex
	}
	q.Except = excepts

	q.OrderBy = append([]Order(nil), q.OrderBy...)
	for i, o := range q.OrderBy {
		if _, _, err := p.resolve(o.Field); err != nil {
			return nil, err
		}
		switch strings.ToLower(o.Direction) {
		case "", "asc":
			q.OrderBy[i].Direction = "asc"
		case "desc":
			q.OrderBy[i].Direction = "desc"
		default:
			return nil, fmt.Errorf("%w: order direction %q", ErrInvalidQuery, o.Direction)
		}
	}

	p.q = q
	return p, nil
}

func (p *plan) planJoin(reg *metadata.Registry, j Join) (joinPlan, error) {
	target := reg.GetEntity(j.ToTable)
	if target == nil {
		return joinPlan{}, fmt.Errorf("%w: join %s", ErrUnknownTable, j.ToTable)
	}
	if j.Alias == "" {
		j.Alias = j.ToTable
	}
	if j.Alias == baseAlias || j.Alias == p.base.Name || p.aliases[j.Alias] != nil || strings.Contains(j.Alias, ".") {
		return joinPlan{}, fmt.Errorf("%w: join alias %q is reserved or already used", ErrInvalidQuery, j.Alias)
	}
	switch strings.ToLower(j.Type) {
	case "", "inner":
		j.Type = "inner"
	case "left":
		j.Type = "left"
	default:
		return joinPlan{}, fmt.Errorf("%w: join type %q", ErrInvalidQuery, j.Type)
	}

	jp := joinPlan{entity: target}
	from := p.base
	if j.FromTable != "" && j.FromTable != p.base.Name {
		from = p.aliases[j.FromTable]
		if from == nil {
			return joinPlan{}, fmt.Errorf("%w: join from unknown alias %s", ErrInvalidQuery, j.FromTable)
		}
		jp.fromAlias = j.FromTable
	}
	if !from.HasField(j.FromField) {
		return joinPlan{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, from.Name, j.FromField)
	}
	if !target.HasField(j.ToField) {
		return joinPlan{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, target.Name, j.ToField)
	}
	for _, f := range j.Fields {
		if !target.HasField(f) {
			return joinPlan{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, target.Name, f)
		}
	}
	filter, err := p.prepareFilter(j.Filter, unqualified(target))
	if err != nil {
		return joinPlan{}, err
	}
	j.Filter = filter
	jp.Join = j
	return jp, nil
}

// resolve maps "Field" to the base table and "alias.Field" to a joined
// table. The returned alias is "" for the base table.
func (p *plan) resolve(ref string) (string, *metadata.Field, error) {
	alias, name, qualified := strings.Cut(ref, ".")
	if !qualified {
		if f := p.base.GetField(ref); f != nil {
			return "", f, nil
		}
		return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, p.base.Name, ref)
	}
	if alias == p.base.Name {
		if f := p.base.GetField(name); f != nil {
			return "", f, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownField, ref)
	}
	e := p.aliases[alias]
	if e == nil {
		return "", nil, fmt.Errorf("%w: unknown alias in %s", ErrUnknownField, ref)
	}
	f := e.GetField(name)
	if f == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownField, ref)
	}
	return alias, f, nil
}

func unqualified(e *metadata.Entity) func(string) (string, *metadata.Field, error) {
	return func(ref string) (string, *metadata.Field, error) {
		if f := e.GetField(ref); f != nil {
			return "", f, nil
		}
		return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Name, ref)
	}
}

// prepareFilter returns a copy of f with operators checked and values coerced.
func (p *plan) prepareFilter(f *Filter, resolve func(string) (string, *metadata.Field, error)) (*Filter, error) {
	if f == nil {
		return nil, nil
	}
	out := &Filter{Logic: LogicAnd}
	switch strings.ToUpper(f.Logic) {
	case "", LogicAnd:
	case LogicOr:
		out.Logic = LogicOr
	default:
		return nil, fmt.Errorf("%w: logical operator %q", ErrInvalidQuery, f.Logic)
	}

	for _, c := range f.Conditions {
		if !knownOperator(c.Operator) {
			return nil, fmt.Errorf("%w: operator %q", ErrInvalidQuery, c.Operator)
		}
		_, field, err := resolve(c.Field)
		if err != nil {
			return nil, err
		}
		switch c.Operator {
		case OpIn:
			values := make([]record.Value, len(c.Values))
			for i, v := range c.Values {
				if values[i], err = field.Coerce(v); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
				}
			}
			c.Values = values
		case OpContains:
			if c.Value.IsNull() {
				return nil, fmt.Errorf("%w: Contains on %s needs a value", ErrInvalidQuery, c.Field)
			}
			c.Value = record.String(c.Value.Text())
		default:
			if c.Value, err = field.Coerce(c.Value); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
			}
		}
		out.Conditions = append(out.Conditions, c)
	}
	for _, sub := range f.SubFilters {
		ps, err := p.prepareFilter(sub, resolve)
		if err != nil {
			return nil, err
		}
		if ps != nil {
			out.SubFilters = append(out.SubFilters, ps)
		}
	}
	return out, nil
}

// columns lists the output columns in order: base fields, then each
// join's projected fields keyed "alias.field".
func (p *plan) columns() []column {
	cols := make([]column, 0, len(p.q.Fields))
	for _, name := range p.q.Fields {
		cols = append(cols, column{key: name, name: name, field: p.base.GetField(name)})
	}
	for _, j := range p.joins {
		for _, name := range j.Fields {
			cols = append(cols, column{key: j.Alias + "." + name, alias: j.Alias, name: name, field: j.entity.GetField(name)})
		}
	}
	return cols
}

type column struct {
	key   string
	alias string
	name  string
	field *metadata.Field
}

// defaultOrder reports whether rows should be ordered by primary key
// when no order was requested.
func (p *plan) defaultOrder() bool {
	if len(p.q.OrderBy) > 0 {
		return false
	}
	if !p.q.Distinct {
		return true
	}
	for _, f := range p.q.Fields {
		if f == p.base.PrimaryKey.Field {
			return true
		}
	}
	return false
}

// pageBounds returns offset and limit; limit is -1 when unbounded.
func (p *plan) pageBounds() (int, int) {
	if p.q.MaxResults == nil {
		return 0, -1
	}
	max := *p.q.MaxResults
	return (p.q.Page - 1) * max, max
}

// coerceID converts a caller id to the primary key type.
func coerceID(e *metadata.Entity, id record.Value) (record.Value, error) {
	if id.IsNull() {
		return id, fmt.Errorf("%w: %s: missing primary key", ErrInvalidQuery, e.Name)
	}
	pk := e.GetField(e.PrimaryKey.Field)
	v, err := pk.Coerce(id)
	if err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return v, nil
}
