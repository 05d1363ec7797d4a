package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/store"
)

// SQL is a Transactor over a database/sql store.
type SQL struct {
	sqlRepo
	db *sql.DB
}

func NewSQL(s *store.Store, reg *metadata.Registry) *SQL {
	return &SQL{
		sqlRepo: sqlRepo{q: s.DB, dialect: s.Dialect, reg: reg},
		db:      s.DB,
	}
}

func (r *SQL) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqlTx{sqlRepo: sqlRepo{q: tx, dialect: r.dialect, reg: r.reg}, tx: tx}, nil
}

type sqlTx struct {
	sqlRepo
	tx *sql.Tx
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// sqlRepo runs statements against a connection or a transaction.
type sqlRepo struct {
	q       store.Querier
	dialect store.Dialect
	reg     *metadata.Registry
}

func (r *sqlRepo) entity(table string) (*metadata.Entity, error) {
	e := r.reg.GetEntity(table)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return e, nil
}

func (r *sqlRepo) Find(ctx context.Context, table string, id record.Value, includeInactive bool) (*record.Record, error) {
	e, err := r.entity(table)
	if err != nil {
		return nil, err
	}
	id, err = coerceID(e, id)
	if err != nil {
		return nil, err
	}
	p, err := newPlan(r.reg, Query{
		Table:           table,
		Filter:          Where(e.PrimaryKey.Field, OpEq, id),
		MaxResults:      Limit(1),
		IncludeInactive: includeInactive,
	})
	if err != nil {
		return nil, err
	}
	rows, err := r.selectRows(ctx, p)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", table, id.Text(), ErrNotFound)
	}
	return rows[0], nil
}

func (r *sqlRepo) Query(ctx context.Context, q Query) ([]*record.Record, int, error) {
	p, err := newPlan(r.reg, q)
	if err != nil {
		return nil, 0, err
	}

	count := buildCountSQL(p, r.dialect)
	row, err := store.QueryRow(ctx, r.q, count.SQL, count.Params...)
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", q.Table, r.dialect.MapError(err))
	}
	total, err := toInt(row["count"])
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", q.Table, err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	rows, err := r.selectRows(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *sqlRepo) selectRows(ctx context.Context, p *plan) ([]*record.Record, error) {
	stmt := buildSelectSQL(p, r.dialect)
	raw, err := store.QueryRows(ctx, r.q, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", p.base.Name, r.dialect.MapError(err))
	}
	cols := p.columns()
	out := make([]*record.Record, 0, len(raw))
	for _, m := range raw {
		rec := record.New()
		for _, c := range cols {
			v, err := c.field.Decode(m[c.key])
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", c.key, err)
			}
			rec.Set(c.key, v)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *sqlRepo) Insert(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	e, err := r.entity(table)
	if err != nil {
		return nil, err
	}
	row := rec.Clone()
	pk := e.PrimaryKey
	if row.Value(pk.Field).IsNull() {
		row.Delete(pk.Field)
		pkField := e.GetField(pk.Field)
		switch {
		case pkField.Type == "uuid" || (pk.Generated && pkField.IsText()):
			row.Set(pk.Field, record.String(uuid.NewString()))
		case !pk.Generated:
			return nil, fmt.Errorf("insert %s: primary key %s is required: %w", table, pk.Field, ErrConstraint)
		}
	}
	if err := checkFields(e, row); err != nil {
		return nil, err
	}

	pb := r.dialect.NewParamBuilder()
	var cols, phs []string
	for _, f := range e.Fields {
		v, ok := row.Get(f.Name)
		if !ok {
			continue
		}
		cols = append(cols, store.QuoteIdent(f.Name))
		phs = append(phs, pb.Add(toParam(v, e.GetField(f.Name), r.dialect)))
	}

	var sqlStr string
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", store.QuoteIdent(e.Table))
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			store.QuoteIdent(e.Table), strings.Join(cols, ", "), strings.Join(phs, ", "))
	}
	sqlStr += " RETURNING " + returningList(e)

	return r.returning(ctx, e, "insert", sqlStr, pb.Params())
}

func (r *sqlRepo) Update(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	e, err := r.entity(table)
	if err != nil {
		return nil, err
	}
	id, err := coerceID(e, rec.Value(e.PrimaryKey.Field))
	if err != nil {
		return nil, err
	}
	if err := checkFields(e, rec); err != nil {
		return nil, err
	}

	pb := r.dialect.NewParamBuilder()
	var sets []string
	for _, f := range e.Fields {
		if f.Name == e.PrimaryKey.Field {
			continue
		}
		v, ok := rec.Get(f.Name)
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", store.QuoteIdent(f.Name), pb.Add(toParam(v, e.GetField(f.Name), r.dialect))))
	}
	if len(sets) == 0 {
		return r.Find(ctx, table, id, true)
	}

	pkField := e.GetField(e.PrimaryKey.Field)
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING %s",
		store.QuoteIdent(e.Table), strings.Join(sets, ", "),
		store.QuoteIdent(e.PrimaryKey.Field), pb.Add(toParam(id, pkField, r.dialect)),
		returningList(e))
	return r.returning(ctx, e, "update", sqlStr, pb.Params())
}

func (r *sqlRepo) Delete(ctx context.Context, table string, id record.Value) (*record.Record, error) {
	e, err := r.entity(table)
	if err != nil {
		return nil, err
	}
	id, err = coerceID(e, id)
	if err != nil {
		return nil, err
	}
	pb := r.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = %s RETURNING %s",
		store.QuoteIdent(e.Table), store.QuoteIdent(e.PrimaryKey.Field),
		pb.Add(toParam(id, e.GetField(e.PrimaryKey.Field), r.dialect)), returningList(e))
	return r.returning(ctx, e, "delete", sqlStr, pb.Params())
}

func (r *sqlRepo) returning(ctx context.Context, e *metadata.Entity, verb, sqlStr string, params []any) (*record.Record, error) {
	m, err := store.QueryRow(ctx, r.q, sqlStr, params...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", verb, e.Name, ErrNotFound)
		}
		return nil, fmt.Errorf("%s %s: %w", verb, e.Name, r.dialect.MapError(err))
	}
	rec := record.New()
	for _, f := range e.Fields {
		v, err := f.Decode(m[f.Name])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", e.Name, f.Name, err)
		}
		rec.Set(f.Name, v)
	}
	return rec, nil
}

func returningList(e *metadata.Entity) string {
	cols := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		cols[i] = store.QuoteIdent(f.Name)
	}
	return strings.Join(cols, ", ")
}

// checkFields rejects keys the entity does not declare.
func checkFields(e *metadata.Entity, rec *record.Record) error {
	for _, k := range rec.Keys() {
		if !e.HasField(k) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, e.Name, k)
		}
	}
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int32:
		return int(n), nil
	case int:
		return n, nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("unexpected count type %T", v)
}

var (
	_ Transactor = (*SQL)(nil)
	_ Tx         = (*sqlTx)(nil)
)
