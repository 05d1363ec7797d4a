package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/store"
)

// Memory is an in-process Transactor. Transactions work on a snapshot and
// are serialized; Commit publishes the snapshot. Writes made outside a
// transaction while one is open are overwritten when it commits.
type Memory struct {
	reg  *metadata.Registry
	mu   sync.Mutex
	txMu sync.Mutex
	data *memData
}

func NewMemory(reg *metadata.Registry) *Memory {
	return &Memory{reg: reg, data: newMemData()}
}

func (m *Memory) Find(ctx context.Context, table string, id record.Value, includeInactive bool) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.find(m.reg, table, id, includeInactive)
}

func (m *Memory) Query(ctx context.Context, q Query) ([]*record.Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.query(m.reg, q)
}

func (m *Memory) Insert(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.insert(m.reg, table, rec)
}

func (m *Memory) Update(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.update(m.reg, table, rec)
}

func (m *Memory) Delete(ctx context.Context, table string, id record.Value) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.delete(m.reg, table, id)
}

// Begin blocks until no other transaction is open.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.txMu.Lock()
	m.mu.Lock()
	snapshot := m.data.clone()
	m.mu.Unlock()
	return &memTx{parent: m, data: snapshot}, nil
}

type memTx struct {
	parent *Memory
	mu     sync.Mutex
	data   *memData
	done   bool
}

func (t *memTx) Find(ctx context.Context, table string, id record.Value, includeInactive bool) (*record.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, errTxDone
	}
	return t.data.find(t.parent.reg, table, id, includeInactive)
}

func (t *memTx) Query(ctx context.Context, q Query) ([]*record.Record, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, 0, errTxDone
	}
	return t.data.query(t.parent.reg, q)
}

func (t *memTx) Insert(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, errTxDone
	}
	return t.data.insert(t.parent.reg, table, rec)
}

func (t *memTx) Update(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, errTxDone
	}
	return t.data.update(t.parent.reg, table, rec)
}

func (t *memTx) Delete(ctx context.Context, table string, id record.Value) (*record.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, errTxDone
	}
	return t.data.delete(t.parent.reg, table, id)
}

func (t *memTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	t.parent.mu.Lock()
	t.parent.data = t.data
	t.parent.mu.Unlock()
	t.parent.txMu.Unlock()
	return nil
}

// Rollback after Commit is a no-op so callers can defer it.
func (t *memTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.parent.txMu.Unlock()
	return nil
}

var errTxDone = fmt.Errorf("transaction already finished")

// memData holds tables keyed by entity name. Stored records are never
// mutated in place, so snapshots share them.
type memData struct {
	tables map[string]*memTable
}

type memTable struct {
	keys []string
	rows map[string]*record.Record
	seq  int64
}

func newMemData() *memData {
	return &memData{tables: make(map[string]*memTable)}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for name, t := range d.tables {
		ct := &memTable{
			keys: append([]string(nil), t.keys...),
			rows: make(map[string]*record.Record, len(t.rows)),
			seq:  t.seq,
		}
		for k, r := range t.rows {
			ct.rows[k] = r
		}
		c.tables[name] = ct
	}
	return c
}

func (d *memData) table(name string) *memTable {
	t := d.tables[name]
	if t == nil {
		t = &memTable{rows: make(map[string]*record.Record)}
		d.tables[name] = t
	}
	return t
}

// ordered returns the table's rows in insertion order.
func (t *memTable) ordered() []*record.Record {
	out := make([]*record.Record, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, t.rows[k])
	}
	return out
}

func (t *memTable) remove(key string) {
	delete(t.rows, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			return
		}
	}
}

func isInactive(e *metadata.Entity, r *record.Record) bool {
	if e.ActiveField == "" {
		return false
	}
	v := r.Value(e.ActiveField)
	return !v.IsNull() && !v.Truthy()
}

func (d *memData) find(reg *metadata.Registry, table string, id record.Value, includeInactive bool) (*record.Record, error) {
	e := reg.GetEntity(table)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	id, err := coerceID(e, id)
	if err != nil {
		return nil, err
	}
	r := d.table(table).rows[id.Text()]
	if r == nil || (!includeInactive && isInactive(e, r)) {
		return nil, fmt.Errorf("%s %s: %w", table, id.Text(), ErrNotFound)
	}
	return r.Clone(), nil
}

func (d *memData) query(reg *metadata.Registry, q Query) ([]*record.Record, int, error) {
	p, err := newPlan(reg, q)
	if err != nil {
		return nil, 0, err
	}

	var rows []*record.Record
	for _, r := range d.table(p.base.Name).ordered() {
		if !p.q.IncludeInactive && isInactive(p.base, r) {
			continue
		}
		rows = append(rows, r.Clone())
	}

	for _, j := range p.joins {
		rows = d.join(rows, j)
	}

	filtered := rows[:0]
	for _, r := range rows {
		if matchFilter(p.q.Filter, r) && !d.excluded(r, p.except) {
			filtered = append(filtered, r)
		}
	}
	rows = filtered

	sortRows(p, rows)

	cols := p.columns()
	out := make([]*record.Record, 0, len(rows))
	for _, r := range rows {
		pr := record.New()
		for _, c := range cols {
			pr.Set(c.key, r.Value(c.key))
		}
		if p.q.Distinct && containsRecord(out, pr) {
			continue
		}
		out = append(out, pr)
	}

	total := len(out)
	offset, limit := p.pageBounds()
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// join expands each row with the matching rows of the joined table. Every
// joined field is copied as "alias.field" so filters and ordering can see it.
func (d *memData) join(rows []*record.Record, j joinPlan) []*record.Record {
	fromKey := j.FromField
	if j.fromAlias != "" {
		fromKey = j.fromAlias + "." + j.FromField
	}
	targets := d.table(j.entity.Name).ordered()

	var out []*record.Record
	for _, r := range rows {
		from := r.Value(fromKey)
		matched := false
		if !from.IsNull() {
			for _, t := range targets {
				n, ok := record.Compare(from, t.Value(j.ToField))
				if !ok || n != 0 || !matchFilter(j.Filter, t) {
					continue
				}
				matched = true
				jr := r.Clone()
				for _, f := range j.entity.Fields {
					jr.Set(j.Alias+"."+f.Name, t.Value(f.Name))
				}
				out = append(out, jr)
			}
		}
		if !matched && j.Type == "left" {
			jr := r.Clone()
			for _, f := range j.entity.Fields {
				jr.Set(j.Alias+"."+f.Name, record.Null())
			}
			out = append(out, jr)
		}
	}
	return out
}

func (d *memData) excluded(r *record.Record, excepts []exceptPlan) bool {
	for _, ex := range excepts {
		local := r.Value(ex.LocalField)
		if local.IsNull() {
			continue
		}
		for _, x := range d.table(ex.entity.Name).ordered() {
			if n, ok := record.Compare(local, x.Value(ex.ForeignField)); ok && n == 0 && matchFilter(ex.Filter, x) {
				return true
			}
		}
	}
	return false
}

func sortRows(p *plan, rows []*record.Record) {
	orders := p.q.OrderBy
	if p.defaultOrder() {
		orders = []Order{{Field: p.base.PrimaryKey.Field, Direction: "asc"}}
	}
	if len(orders) == 0 {
		return
	}
	keys := make([]string, len(orders))
	for i, o := range orders {
		alias, f, _ := p.resolve(o.Field)
		keys[i] = f.Name
		if alias != "" {
			keys[i] = alias + "." + f.Name
		}
	}
	sort.SliceStable(rows, func(a, b int) bool {
		for i, o := range orders {
			n, ok := record.Compare(rows[a].Value(keys[i]), rows[b].Value(keys[i]))
			if !ok || n == 0 {
				continue
			}
			if o.Desc() {
				return n > 0
			}
			return n < 0
		}
		return false
	})
}

func containsRecord(rows []*record.Record, r *record.Record) bool {
	for _, o := range rows {
		if o.Equal(r) {
			return true
		}
	}
	return false
}

func (d *memData) insert(reg *metadata.Registry, table string, rec *record.Record) (*record.Record, error) {
	e := reg.GetEntity(table)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if err := checkFields(e, rec); err != nil {
		return nil, err
	}
	t := d.table(table)
	pk := e.PrimaryKey
	pkField := e.GetField(pk.Field)

	row := record.New()
	for _, f := range e.Fields {
		if v, ok := rec.Get(f.Name); ok {
			row.Set(f.Name, v)
		} else {
			row.Set(f.Name, f.DefaultValue())
		}
	}
	if row.Value(pk.Field).IsNull() {
		switch {
		case pkField.Type == "uuid" || (pk.Generated && pkField.IsText()):
			row.Set(pk.Field, record.String(uuid.NewString()))
		case pk.Generated:
			t.seq++
			row.Set(pk.Field, record.Int(t.seq))
		default:
			return nil, fmt.Errorf("insert %s: primary key %s is required: %w", table, pk.Field, ErrConstraint)
		}
	} else if pkField.IsInteger() {
		if n, ok := row.Value(pk.Field).Num(); ok && int64(n) > t.seq {
			t.seq = int64(n)
		}
	}

	key := row.Value(pk.Field).Text()
	if _, dup := t.rows[key]; dup {
		return nil, fmt.Errorf("insert %s: %w: %s %s", table, store.ErrUniqueViolation, pk.Field, key)
	}
	if err := checkConstraints(e, t, row, ""); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	t.keys = append(t.keys, key)
	t.rows[key] = row
	return row.Clone(), nil
}

func (d *memData) update(reg *metadata.Registry, table string, rec *record.Record) (*record.Record, error) {
	e := reg.GetEntity(table)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	id, err := coerceID(e, rec.Value(e.PrimaryKey.Field))
	if err != nil {
		return nil, err
	}
	if err := checkFields(e, rec); err != nil {
		return nil, err
	}
	t := d.table(table)
	key := id.Text()
	existing := t.rows[key]
	if existing == nil {
		return nil, fmt.Errorf("update %s %s: %w", table, key, ErrNotFound)
	}
	row := existing.Clone()
	rec.Range(func(k string, v record.Value) bool {
		if k != e.PrimaryKey.Field {
			row.Set(k, v)
		}
		return true
	})
	if err := checkConstraints(e, t, row, key); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	t.rows[key] = row
	return row.Clone(), nil
}

func (d *memData) delete(reg *metadata.Registry, table string, id record.Value) (*record.Record, error) {
	e := reg.GetEntity(table)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	id, err := coerceID(e, id)
	if err != nil {
		return nil, err
	}
	t := d.table(table)
	key := id.Text()
	existing := t.rows[key]
	if existing == nil {
		return nil, fmt.Errorf("delete %s %s: %w", table, key, ErrNotFound)
	}
	t.remove(key)
	return existing.Clone(), nil
}

// checkConstraints enforces NOT NULL and unique columns the way the
// migrated tables do. self is the key of the row being updated.
func checkConstraints(e *metadata.Entity, t *memTable, row *record.Record, self string) error {
	for _, f := range e.Fields {
		v := row.Value(f.Name)
		if f.Required && !f.Nullable && v.IsNull() {
			return fmt.Errorf("%w: %s.%s is null", ErrConstraint, e.Name, f.Name)
		}
		if !f.Unique || v.IsNull() || f.Name == e.PrimaryKey.Field {
			continue
		}
		for k, other := range t.rows {
			if k != self && other.Value(f.Name).Equal(v) {
				return fmt.Errorf("%w: %s.%s", store.ErrUniqueViolation, e.Name, f.Name)
			}
		}
	}
	return nil
}

var (
	_ Transactor = (*Memory)(nil)
	_ Tx         = (*memTx)(nil)
)
