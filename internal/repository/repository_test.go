package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-dataservice/internal/config"
	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/store"
)

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Register(&metadata.Entity{
		Name:        "Category",
		ActiveField: "IsActive",
		Fields: []metadata.Field{
			{Name: "Name", Type: "string", Required: true},
		},
	}))
	require.NoError(t, reg.Register(&metadata.Entity{
		Name:        "Widget",
		Ownership:   metadata.StandardOwnership,
		ActiveField: "IsActive",
		Fields: []metadata.Field{
			{Name: "Name", Type: "string", Required: true},
			{Name: "Sku", Type: "string", Unique: true, Nullable: true},
			{Name: "Price", Type: "decimal", Precision: 2},
			{Name: "Qty", Type: "int"},
			{Name: "CategoryId", Type: "uuid", Nullable: true},
		},
	}))
	require.NoError(t, reg.Register(&metadata.Entity{
		Name:       "Counter",
		PrimaryKey: metadata.PrimaryKey{Field: "Id", Type: "int", Generated: true},
		Fields: []metadata.Field{
			{Name: "Label", Type: "string"},
		},
	}))
	return reg
}

type repoFactory func(t *testing.T, reg *metadata.Registry) Transactor

func memoryFactory(t *testing.T, reg *metadata.Registry) Transactor {
	return NewMemory(reg)
}

func sqliteFactory(t *testing.T, reg *metadata.Registry) Transactor {
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, store.NewMigrator(s, zap.NewNop()).MigrateAll(ctx, reg))
	return NewSQL(s, reg)
}

func forEachRepo(t *testing.T, fn func(t *testing.T, repo Transactor)) {
	for name, factory := range map[string]repoFactory{"memory": memoryFactory, "sqlite": sqliteFactory} {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t, testRegistry(t)))
		})
	}
}

func rec(t *testing.T, m map[string]any) *record.Record {
	t.Helper()
	r, err := record.FromMap(m)
	require.NoError(t, err)
	return r
}

func seedWidgets(t *testing.T, repo Repository) []*record.Record {
	t.Helper()
	ctx := context.Background()
	cat, err := repo.Insert(ctx, "Category", rec(t, map[string]any{"Name": "Fasteners", "IsActive": true}))
	require.NoError(t, err)
	catID := cat.Value("Id")

	var out []*record.Record
	for _, w := range []map[string]any{
		{"Name": "Bolt", "Price": 1.5, "Qty": 10, "OwningUserId": "u1", "OwningTeamId": "t1", "CategoryId": catID, "IsActive": true},
		{"Name": "Nut", "Price": 0.25, "Qty": 100, "OwningUserId": "u2", "OwningTeamId": "t1", "CategoryId": catID, "IsActive": true},
		{"Name": "Gear", "Price": 12.0, "Qty": 3, "OwningUserId": "u2", "OwningTeamId": "t2", "IsActive": true},
		{"Name": "Spring", "Price": 2.0, "Qty": 7, "OwningUserId": "u3", "IsActive": false},
	} {
		r, err := repo.Insert(ctx, "Widget", rec(t, w))
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func names(rows []*record.Record) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Value("Name").Text()
	}
	return out
}

func TestInsertFind(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		created, err := repo.Insert(ctx, "Widget", rec(t, map[string]any{"Name": "Bolt", "Price": 1.5, "Qty": 4}))
		require.NoError(t, err)

		id := created.Value("Id")
		require.False(t, id.IsNull(), "uuid primary key must be generated")
		assert.Equal(t, "Bolt", created.Value("Name").Text())
		assert.True(t, created.Has("OwningUserId"), "returned row carries every column")

		found, err := repo.Find(ctx, "Widget", id, false)
		require.NoError(t, err)
		if diff := cmp.Diff(created.Map(), found.Map()); diff != "" {
			t.Fatalf("find mismatch (-created +found):\n%s", diff)
		}
	})
}

func TestFind_NotFoundAndInactive(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		rows := seedWidgets(t, repo)

		_, err := repo.Find(ctx, "Widget", record.String("6f1c2b8e-0000-4000-8000-000000000000"), false)
		assert.ErrorIs(t, err, ErrNotFound)

		spring := rows[3].Value("Id")
		_, err = repo.Find(ctx, "Widget", spring, false)
		assert.ErrorIs(t, err, ErrNotFound, "inactive rows are hidden")

		found, err := repo.Find(ctx, "Widget", spring, true)
		require.NoError(t, err)
		assert.Equal(t, "Spring", found.Value("Name").Text())

		_, err = repo.Find(ctx, "Nope", spring, false)
		assert.ErrorIs(t, err, ErrUnknownTable)
	})
}

func TestUpdateDelete(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		rows := seedWidgets(t, repo)
		id := rows[0].Value("Id")

		patch := record.New()
		patch.Set("Id", id)
		patch.Set("Price", record.Number(1.75))
		updated, err := repo.Update(ctx, "Widget", patch)
		require.NoError(t, err)
		assert.Equal(t, record.Number(1.75), updated.Value("Price"))
		assert.Equal(t, "Bolt", updated.Value("Name").Text(), "untouched fields survive")

		deleted, err := repo.Delete(ctx, "Widget", id)
		require.NoError(t, err)
		assert.Equal(t, "Bolt", deleted.Value("Name").Text())

		_, err = repo.Delete(ctx, "Widget", id)
		assert.ErrorIs(t, err, ErrNotFound)

		patch.Set("Name", record.String("Ghost"))
		_, err = repo.Update(ctx, "Widget", patch)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConstraints(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		_, err := repo.Insert(ctx, "Widget", rec(t, map[string]any{"Name": "A", "Sku": "S-1"}))
		require.NoError(t, err)
		_, err = repo.Insert(ctx, "Widget", rec(t, map[string]any{"Name": "B", "Sku": "S-1"}))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConstraint), "got %v", err)

		_, err = repo.Insert(ctx, "Widget", rec(t, map[string]any{"Name": "C", "Color": "red"}))
		assert.ErrorIs(t, err, ErrUnknownField)
	})
}

func TestGeneratedIntegerKey(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		a, err := repo.Insert(ctx, "Counter", rec(t, map[string]any{"Label": "a"}))
		require.NoError(t, err)
		b, err := repo.Insert(ctx, "Counter", rec(t, map[string]any{"Label": "b"}))
		require.NoError(t, err)

		an, _ := a.Value("Id").Num()
		bn, _ := b.Value("Id").Num()
		assert.Greater(t, bn, an)

		found, err := repo.Find(ctx, "Counter", record.String(b.Value("Id").Text()), false)
		require.NoError(t, err)
		assert.Equal(t, "b", found.Value("Label").Text())
	})
}

func TestQuery_FilterPaging(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		seedWidgets(t, repo)

		rows, total, err := repo.Query(ctx, Query{
			Table:      "Widget",
			Filter:     Where("Price", OpGt, record.String("1.00")),
			OrderBy:    []Order{{Field: "Price", Direction: "desc"}},
			Page:       1,
			MaxResults: Limit(1),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total, "inactive Spring is excluded from the count")
		assert.Equal(t, []string{"Gear"}, names(rows))

		rows, total, err = repo.Query(ctx, Query{
			Table:      "Widget",
			Filter:     Where("Price", OpGt, record.String("1.00")),
			OrderBy:    []Order{{Field: "Price", Direction: "desc"}},
			Page:       2,
			MaxResults: Limit(1),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Equal(t, []string{"Bolt"}, names(rows))

		_, total, err = repo.Query(ctx, Query{Table: "Widget", IncludeInactive: true})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
	})
}

func TestQuery_FilterTree(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		seedWidgets(t, repo)

		// (OwningUserId == u1) OR (OwningTeamId In [t2]) AND Name contains "e"
		filter := And(
			Or(
				Where("OwningUserId", OpEq, record.String("u1")),
				In("OwningTeamId", []record.Value{record.String("t2")}),
			),
			Where("Name", OpContains, record.String("E")),
		)
		rows, total, err := repo.Query(ctx, Query{
			Table:   "Widget",
			Filter:  filter,
			OrderBy: []Order{{Field: "Name"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, []string{"Gear"}, names(rows))

		rows, _, err = repo.Query(ctx, Query{
			Table:           "Widget",
			Filter:          Where("OwningTeamId", OpEq, record.Null()),
			OrderBy:         []Order{{Field: "Name"}},
			IncludeInactive: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Spring"}, names(rows))
	})
}

func TestQuery_JoinsAndExcept(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		seedWidgets(t, repo)

		rows, total, err := repo.Query(ctx, Query{
			Table:  "Widget",
			Fields: []string{"Name"},
			Joins: []Join{{
				Type: "inner", FromField: "CategoryId", ToTable: "Category", ToField: "Id",
				Alias: "c", Fields: []string{"Name"},
			}},
			OrderBy: []Order{{Field: "Name"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, rows, 2)
		assert.Equal(t, []string{"Name", "c.Name"}, rows[0].Keys())
		assert.Equal(t, "Fasteners", rows[0].Value("c.Name").Text())

		rows, total, err = repo.Query(ctx, Query{
			Table:  "Widget",
			Fields: []string{"Name"},
			Joins: []Join{{
				Type: "left", FromField: "CategoryId", ToTable: "Category", ToField: "Id",
				Alias: "c", Fields: []string{"Name"},
			}},
			Filter:  Where("c.Name", OpEq, record.Null()),
			OrderBy: []Order{{Field: "Name"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, []string{"Gear"}, names(rows))

		// Categories that no active widget named Nut points at.
		rows, total, err = repo.Query(ctx, Query{
			Table: "Category",
			Except: []Except{{
				Table: "Widget", LocalField: "Id", ForeignField: "CategoryId",
				Filter: Where("Name", OpEq, record.String("Nut")),
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, total)
		assert.Empty(t, rows)
	})
}

func TestQuery_JoinFilter(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()
		seedWidgets(t, repo)

		join := func(typ, owner string) Query {
			return Query{
				Table:  "Category",
				Fields: []string{"Name"},
				Joins: []Join{{
					Type: typ, FromField: "Id", ToTable: "Widget", ToField: "CategoryId",
					Alias: "w", Fields: []string{"Name"},
					Filter: Where("OwningUserId", OpEq, record.String(owner)),
				}},
			}
		}

		rows, total, err := repo.Query(ctx, join("inner", "u1"))
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "Bolt", rows[0].Value("w.Name").Text())

		_, total, err = repo.Query(ctx, join("inner", "u9"))
		require.NoError(t, err)
		assert.Equal(t, 0, total, "no joined row passes the filter")

		rows, total, err = repo.Query(ctx, join("left", "u9"))
		require.NoError(t, err)
		require.Equal(t, 1, total)
		assert.Equal(t, "Fasteners", rows[0].Value("Name").Text())
		assert.True(t, rows[0].Value("w.Name").IsNull(), "filtered rows come back as nulls")

		_, err = Prepare(testRegistry(t), Query{Table: "Category", Joins: []Join{{
			FromField: "Id", ToTable: "Widget", ToField: "CategoryId", Alias: "w",
			Filter: Where("Bogus", OpEq, record.String("x")),
		}}})
		assert.ErrorIs(t, err, ErrUnknownField)
	})
}

func TestQuery_Distinct(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		seedWidgets(t, repo)
		rows, total, err := repo.Query(context.Background(), Query{
			Table:    "Widget",
			Fields:   []string{"OwningTeamId"},
			Distinct: true,
			OrderBy:  []Order{{Field: "OwningTeamId"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, rows, 2)
		assert.Equal(t, "t1", rows[0].Value("OwningTeamId").Text())
	})
}

func TestQuery_Validation(t *testing.T) {
	reg := testRegistry(t)
	cases := []struct {
		name string
		q    Query
		want error
	}{
		{"unknown table", Query{Table: "Nope"}, ErrUnknownTable},
		{"unknown field", Query{Table: "Widget", Fields: []string{"Bogus"}}, ErrUnknownField},
		{"unknown filter field", Query{Table: "Widget", Filter: Where("Bogus", OpEq, record.String("x"))}, ErrUnknownField},
		{"bad operator", Query{Table: "Widget", Filter: Where("Name", "LIKE", record.String("x"))}, ErrInvalidQuery},
		{"bad value", Query{Table: "Widget", Filter: Where("Qty", OpGt, record.String("many"))}, ErrInvalidQuery},
		{"unknown alias", Query{Table: "Widget", OrderBy: []Order{{Field: "c.Name"}}}, ErrUnknownField},
		{"reserved alias", Query{Table: "Widget", Joins: []Join{{FromField: "CategoryId", ToTable: "Category", ToField: "Id", Alias: "t"}}}, ErrInvalidQuery},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Prepare(reg, tc.q)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	q, err := Prepare(reg, Query{Table: "Widget", Filter: Where("Price", OpGt, record.String("1.00"))})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Page)
	assert.Equal(t, record.Number(1), q.Filter.Conditions[0].Value)
}

func TestTransactions(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Transactor) {
		ctx := context.Background()

		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Insert(ctx, "Widget", rec(t, map[string]any{"Name": "Temp"}))
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, total, err := repo.Query(ctx, Query{Table: "Widget"})
		require.NoError(t, err)
		assert.Equal(t, 0, total, "rolled back insert must not be visible")

		tx, err = repo.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.Insert(ctx, "Widget", rec(t, map[string]any{"Name": "Kept"}))
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		rows, total, err := repo.Query(ctx, Query{Table: "Widget"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, []string{"Kept"}, names(rows))
	})
}
