package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Register(&metadata.Entity{
		Name:        "Category",
		Audit:       metadata.StandardAudit,
		SystemField: "IsSystem",
		Fields: []metadata.Field{
			{Name: "Name", Type: "string", Required: true},
		},
	}))
	require.NoError(t, reg.Register(&metadata.Entity{
		Name:        "Widget",
		Ownership:   metadata.StandardOwnership,
		Audit:       metadata.StandardAudit,
		ActiveField: "IsActive",
		Fields: []metadata.Field{
			{Name: "Name", Type: "string", Required: true, MaxLength: 40},
			{Name: "Sku", Type: "string", Nullable: true, CreateOnly: true},
			{Name: "Code", Type: "string", Nullable: true, ReadOnly: true},
			{Name: "Price", Type: "decimal", Precision: 2},
			{Name: "Status", Type: "string", Required: true, Enum: []string{"draft", "live"}, Default: "draft"},
			{Name: "CategoryId", Type: "uuid", Nullable: true},
		},
	}))
	require.NoError(t, reg.Register(&metadata.Entity{
		Name:  "Tag",
		Audit: metadata.StandardAudit,
		Fields: []metadata.Field{
			{Name: "Name", Type: "string"},
			{Name: "WidgetId", Type: "uuid", Nullable: true},
		},
	}))
	require.NoError(t, reg.Register(&metadata.Entity{
		Name:        "Part",
		ActiveField: "IsActive",
		SoftDelete:  true,
		Fields: []metadata.Field{
			{Name: "Name", Type: "string"},
			{Name: "WidgetId", Type: "uuid", Nullable: true},
		},
	}))
	reg.AddRelations(
		&metadata.Relation{Name: "category_widgets", Source: "Category", Target: "Widget", SourceKey: "Id", TargetKey: "CategoryId", OnDelete: metadata.OnDeleteCascade},
		&metadata.Relation{Name: "widget_tags", Source: "Widget", Target: "Tag", SourceKey: "Id", TargetKey: "WidgetId", OnDelete: metadata.OnDeleteSetNull},
		&metadata.Relation{Name: "widget_parts", Source: "Widget", Target: "Part", SourceKey: "Id", TargetKey: "WidgetId", OnDelete: metadata.OnDeleteRestrict},
	)
	require.NoError(t, reg.Validate())
	return reg
}

func systemGrants(tables ...string) []string {
	var out []string
	for _, table := range tables {
		for _, op := range []metadata.Operation{metadata.OpCreate, metadata.OpRead, metadata.OpUpdate, metadata.OpDelete} {
			out = append(out, permission.Name(table, op, permission.System))
		}
	}
	return out
}

// testResolver grants clerks USER tier on Widget (TEAM for reads) and
// admins every tier including ASSIGN.
func testResolver() *permission.Resolver {
	clerk := append(systemGrants("Category", "Tag", "Part"),
		"TABLE_Widget_CREATE_USER", "TABLE_Widget_READ_TEAM", "TABLE_Widget_UPDATE_USER", "TABLE_Widget_DELETE_USER")
	admin := append(systemGrants("Category", "Tag", "Part", "Widget"), "TABLE_Widget_ASSIGN_SYSTEM")
	src := permission.NewStaticSource(
		[]metadata.Grant{{Role: "clerk", Permissions: clerk}, {Role: "admin", Permissions: admin}},
		[]metadata.Member{
			{User: "u1", Roles: []string{"clerk"}, Teams: []string{"t1"}},
			{User: "u2", Roles: []string{"clerk"}, Teams: []string{"t1"}},
			{User: "u3", Roles: []string{"clerk"}, Teams: []string{"t3"}},
			{User: "admin", Roles: []string{"admin"}},
		},
	)
	return permission.NewResolver(src, nil, 0, zap.NewNop())
}

// spyRepo counts the writes made through its transactions.
type spyRepo struct {
	*repository.Memory
	mu    sync.Mutex
	calls map[string]int
}

func newSpyRepo(reg *metadata.Registry) *spyRepo {
	return &spyRepo{Memory: repository.NewMemory(reg), calls: make(map[string]int)}
}

func (s *spyRepo) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.Memory.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &spyTx{Tx: tx, spy: s}, nil
}

func (s *spyRepo) record(op, table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op+" "+table]++
}

func (s *spyRepo) count(op, table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op+" "+table]
}

type spyTx struct {
	repository.Tx
	spy *spyRepo
}

func (t *spyTx) Insert(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	t.spy.record("Insert", table)
	return t.Tx.Insert(ctx, table, rec)
}

func (t *spyTx) Update(ctx context.Context, table string, rec *record.Record) (*record.Record, error) {
	t.spy.record("Update", table)
	return t.Tx.Update(ctx, table, rec)
}

func (t *spyTx) Delete(ctx context.Context, table string, id record.Value) (*record.Record, error) {
	t.spy.record("Delete", table)
	return t.Tx.Delete(ctx, table, id)
}

type fixture struct {
	reg   *metadata.Registry
	repo  *spyRepo
	logic *LogicRegistry
	svc   *Service
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	reg := testRegistry(t)
	f := &fixture{reg: reg, repo: newSpyRepo(reg), logic: NewLogicRegistry()}
	opts := Options{
		BulkSingleTransaction: true,
		Clock:                 func() time.Time { return testNow },
	}
	for _, m := range mutate {
		m(&opts)
	}
	svc, err := NewService(reg, f.repo, testResolver(), f.logic, zap.NewNop(), opts)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func fields(t *testing.T, m map[string]any) *record.Record {
	t.Helper()
	r, err := record.FromMap(m)
	require.NoError(t, err)
	return r
}

// seed inserts a row directly, bypassing the pipeline.
func (f *fixture) seed(t *testing.T, table string, m map[string]any) *record.Record {
	t.Helper()
	rec, err := f.repo.Memory.Insert(context.Background(), table, fields(t, m))
	require.NoError(t, err)
	return rec
}

func (f *fixture) seedWidget(t *testing.T, name, owner string, price float64) *record.Record {
	t.Helper()
	return f.seed(t, "Widget", map[string]any{
		"Name": name, "Price": price, "OwningUserId": owner, "OwningTeamId": "t1", "IsActive": true,
	})
}

func (f *fixture) find(t *testing.T, table string, id record.Value) *record.Record {
	t.Helper()
	rec, err := f.repo.Memory.Find(context.Background(), table, id, true)
	require.NoError(t, err, "find %s %s", table, id)
	return rec
}

func (f *fixture) rows(t *testing.T, table string) []*record.Record {
	t.Helper()
	rows, _, err := f.repo.Memory.Query(context.Background(), repository.Query{Table: table, IncludeInactive: true})
	require.NoError(t, err)
	return rows
}

func failing(msg string) func(context.Context, *ServiceContext) error {
	return func(context.Context, *ServiceContext) error { return fmt.Errorf("%s", msg) }
}
