package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-dataservice/internal/config"
	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/repository"
	"rocket-dataservice/internal/store"
)

// newSQLService runs the engine over SQLite with grants read from the
// access tables and no permission cache, so every call hits the source.
func newSQLService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	reg := testRegistry(t)

	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Bootstrap(ctx))
	require.NoError(t, store.NewMigrator(s, zap.NewNop()).MigrateAll(ctx, reg))
	require.NoError(t, s.SeedAccess(ctx,
		[]metadata.Grant{{Role: "lead", Permissions: []string{
			"TABLE_Widget_CREATE_TEAM", "TABLE_Widget_READ_TEAM", "TABLE_Widget_UPDATE_TEAM", "TABLE_Tag_READ_SYSTEM",
		}}},
		[]metadata.Member{
			{User: "u1", Roles: []string{"lead"}, Teams: []string{"t1"}},
			{User: "u2", Roles: []string{"lead"}, Teams: []string{"t1"}},
			{User: "u3", Roles: []string{"lead"}, Teams: []string{"t3"}},
		},
		zap.NewNop()))

	resolver := permission.NewResolver(permission.NewSQLSource(s), permission.NoopCache{}, 0, zap.NewNop())
	svc, err := NewService(reg, repository.NewSQL(s, reg), resolver, nil, zap.NewNop(), Options{Clock: func() time.Time { return testNow }})
	require.NoError(t, err)
	return svc
}

func TestSQLService_PermissionsInsideTransaction(t *testing.T) {
	svc := newSQLService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := svc.Create(ctx, "u1", WriteRequest{
		Table:  "Widget",
		Fields: fields(t, map[string]any{"Name": "Bolt", "Price": 1, "OwningTeamId": "t1"}),
	})
	require.True(t, resp.Succeeded, resp.LogMessage)
	id := resp.Data.Value("Id")

	resp = svc.Update(ctx, "u2", WriteRequest{Table: "Widget", ID: id, Fields: fields(t, map[string]any{"Name": "Bolt M6"})})
	require.True(t, resp.Succeeded, "team member updates through the team: %s", resp.LogMessage)

	resp = svc.Update(ctx, "u3", WriteRequest{Table: "Widget", ID: id, Fields: fields(t, map[string]any{"Name": "Stolen"})})
	assert.Equal(t, CodePermissionDenied, resp.Code)

	read := svc.Read(ctx, "u2", ReadRequest{Table: "Widget", Denormalize: true})
	require.True(t, read.Succeeded, read.LogMessage)
	require.Len(t, read.Data.Results, 1)
	assert.Equal(t, "Bolt M6", read.Data.Results[0].Value("Name").Text())
	assert.True(t, read.Data.Results[0].Value(FlagCanUpdate).Truthy())

	bulk := svc.Bulk(ctx, "u1", BulkRequest{Creates: []WriteRequest{
		{Table: "Widget", Fields: fields(t, map[string]any{"Name": "Nut", "Price": 1, "OwningTeamId": "t1"})},
		{Table: "Widget", Fields: fields(t, map[string]any{"Name": "Gear", "Price": 2, "OwningTeamId": "t1"})},
	}})
	require.True(t, bulk.Succeeded, bulk.LogMessage)
	require.NoError(t, ctx.Err(), "no call waited on the connection held by its own transaction")
}

func TestSQLService_JoinedRowsAreScoped(t *testing.T) {
	svc := newSQLService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := svc.Create(ctx, "u1", WriteRequest{
		Table:  "Widget",
		Fields: fields(t, map[string]any{"Name": "SecretBolt", "Price": 1, "OwningTeamId": "t1"}),
	})
	require.True(t, resp.Succeeded, resp.LogMessage)

	tx, err := svc.repo.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "Tag", fields(t, map[string]any{"Name": "metal", "WidgetId": resp.Data.Value("Id")}))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	join := func(typ string) ReadRequest {
		return ReadRequest{Table: "Tag", Joins: []repository.Join{{
			Type: typ, FromField: "WidgetId", ToTable: "Widget", ToField: "Id", Alias: "w", Fields: []string{"Name"},
		}}}
	}

	read := svc.Read(ctx, "u3", join("inner"))
	require.True(t, read.Succeeded, read.LogMessage)
	assert.Equal(t, 0, read.Data.TotalResults)

	read = svc.Read(ctx, "u3", join("left"))
	require.True(t, read.Succeeded, read.LogMessage)
	require.Len(t, read.Data.Results, 1)
	assert.True(t, read.Data.Results[0].Value("w.Name").IsNull())

	read = svc.Read(ctx, "u2", join("left"))
	require.True(t, read.Succeeded, read.LogMessage)
	require.Len(t, read.Data.Results, 1)
	assert.Equal(t, "SecretBolt", read.Data.Results[0].Value("w.Name").Text())
}
