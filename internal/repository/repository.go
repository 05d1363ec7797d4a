// Package repository is the storage-facing layer of the engine. It reads and
// writes records keyed only by entity name and field map, and executes
// filtered, joined, sorted and paged queries.
package repository

import (
	"context"
	"errors"

	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/store"
)

var (
	ErrNotFound     = store.ErrNotFound
	ErrConstraint   = store.ErrConstraint
	ErrUnknownTable = store.ErrUnknownTable
	ErrUnknownField = store.ErrUnknownColumn
	ErrInvalidQuery = errors.New("invalid query")
)

// Repository reads and mutates records of registered entities.
// Find, Update and Delete report ErrNotFound when no row has the id.
type Repository interface {
	Find(ctx context.Context, table string, id record.Value, includeInactive bool) (*record.Record, error)
	// Query returns one page of rows and the total number of matching rows.
	Query(ctx context.Context, q Query) ([]*record.Record, int, error)
	Insert(ctx context.Context, table string, rec *record.Record) (*record.Record, error)
	// Update writes the fields present in rec to the row identified by its primary key.
	Update(ctx context.Context, table string, rec *record.Record) (*record.Record, error)
	Delete(ctx context.Context, table string, id record.Value) (*record.Record, error)
}

// Tx is a Repository bound to one unit of work.
type Tx interface {
	Repository
	Commit() error
	Rollback() error
}

// Transactor is a Repository that can open transactions.
type Transactor interface {
	Repository
	Begin(ctx context.Context) (Tx, error)
}

// Query describes a read against one base table.
type Query struct {
	Table  string
	Fields []string // base table fields; empty means all
	Filter *Filter
	Joins  []Join
	Except []Except
	// OrderBy fields may be qualified with a join alias ("c.Name").
	OrderBy []Order
	// Page is 1-indexed. A nil MaxResults means unbounded.
	Page            int
	MaxResults      *int
	Distinct        bool
	IncludeInactive bool
}

// Join pulls fields of a related table into each row. Projected fields
// appear in the result as "alias.field". Filter names fields of the joined
// table unqualified and restricts which of its rows may match: an inner
// join drops base rows without an allowed match, a left join pads them
// with nulls.
type Join struct {
	Type      string   `json:"type"` // inner or left
	FromTable string   `json:"fromTable,omitempty"`
	FromField string   `json:"fromField"`
	ToTable   string   `json:"toTable"`
	ToField   string   `json:"toField"`
	Alias     string   `json:"alias,omitempty"`
	Fields    []string `json:"projectedFields,omitempty"`
	Filter    *Filter  `json:"filter,omitempty"`
}

// Except drops base rows for which a row of Table exists whose
// ForeignField equals the base row's LocalField and that matches Filter.
type Except struct {
	Table        string  `json:"tableName"`
	LocalField   string  `json:"localField"`
	ForeignField string  `json:"foreignField"`
	Filter       *Filter `json:"filter,omitempty"`
}

type Order struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"` // asc or desc
}

func (o Order) Desc() bool {
	return o.Direction == "desc" || o.Direction == "DESC"
}

// Limit returns a MaxResults value.
func Limit(n int) *int {
	return &n
}
