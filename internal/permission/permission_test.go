package permission

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-dataservice/internal/config"
	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
	"rocket-dataservice/internal/store"
)

func row(user, team string) *record.Record {
	r := record.New()
	if user != "" {
		r.Set("OwningUserId", record.String(user))
	}
	if team != "" {
		r.Set("OwningTeamId", record.String(team))
	}
	return r
}

func TestCanAccessRow(t *testing.T) {
	own := metadata.StandardOwnership
	teams := NewTeamSet("t1")

	cases := []struct {
		name  string
		level Level
		row   *record.Record
		want  bool
	}{
		{"system ignores ownership", System, row("someone", "other"), true},
		{"system on empty row", System, record.New(), true},
		{"none never", None, row("me", "t1"), false},
		{"team via team", Team, row("someone", "t1"), true},
		{"team via user fallback", Team, row("me", "other"), true},
		{"team outside", Team, row("someone", "other"), false},
		{"team null team", Team, row("someone", ""), false},
		{"user own row", User, row("me", "other"), true},
		{"user team member is not enough", User, row("someone", "t1"), false},
		{"user null owner", User, row("", "t1"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanAccessRow(tc.level, tc.row, own, "me", teams))
		})
	}
}

func TestCanAccessRow_MissingOwnershipFieldIsVacuous(t *testing.T) {
	r := row("someone", "other")
	assert.True(t, CanAccessRow(User, r, metadata.Ownership{TeamField: "OwningTeamId"}, "me", nil))
	assert.True(t, CanAccessRow(Team, r, metadata.Ownership{UserField: "OwningUserId"}, "me", nil))
	assert.True(t, CanAccessRow(Team, r, metadata.Ownership{}, "me", nil))
	assert.False(t, CanAccessRow(None, r, metadata.Ownership{}, "me", nil))
}

func TestNewGrants_TakesHighestTier(t *testing.T) {
	g := NewGrants([]string{
		"TABLE_Widget_READ_USER",
		"TABLE_Widget_READ_TEAM",
		"TABLE_Widget_CREATE_USER",
		"TABLE_order_line_DELETE_SYSTEM",
		"TABLE_Widget_READ_BOGUS",
		"SOMETHING_ELSE",
	}, nil)

	assert.Equal(t, Team, g.Level("Widget", metadata.OpRead))
	assert.Equal(t, User, g.Level("Widget", metadata.OpCreate))
	assert.Equal(t, None, g.Level("Widget", metadata.OpDelete))
	assert.Equal(t, System, g.Level("order_line", metadata.OpDelete))
	assert.Equal(t, None, g.Level("Gadget", metadata.OpRead))
}

func TestName(t *testing.T) {
	assert.Equal(t, "TABLE_Widget_CREATE_USER", Name("Widget", metadata.OpCreate, User))
}

type countingSource struct {
	Source
	names atomic.Int32
	fail  bool
}

func (c *countingSource) PermissionNames(ctx context.Context, userID string) ([]string, error) {
	c.names.Add(1)
	if c.fail {
		return nil, errors.New("db down")
	}
	return c.Source.PermissionNames(ctx, userID)
}

func newSource() *countingSource {
	return &countingSource{Source: NewStaticSource(
		[]metadata.Grant{{Role: "clerk", Permissions: []string{"TABLE_Widget_CREATE_USER", "TABLE_Widget_READ_TEAM"}}},
		[]metadata.Member{{User: "u1", Roles: []string{"clerk"}, Teams: []string{"t1", "t2"}}},
	)}
}

func TestResolver_CachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	src := newSource()
	r := NewResolver(src, NewMemoryCache(time.Minute, time.Minute), 500, zap.NewNop())

	assert.Equal(t, User, r.Resolve(ctx, "u1", "Widget", metadata.OpCreate))
	assert.Equal(t, Team, r.Resolve(ctx, "u1", "Widget", metadata.OpRead))
	assert.Equal(t, int32(1), src.names.Load(), "second resolve is served from cache")

	r.Invalidate(ctx, "u1")
	r.Resolve(ctx, "u1", "Widget", metadata.OpRead)
	assert.Equal(t, int32(2), src.names.Load())

	r.SetCacheEnabled(ctx, false)
	r.Resolve(ctx, "u1", "Widget", metadata.OpRead)
	r.Resolve(ctx, "u1", "Widget", metadata.OpRead)
	assert.Equal(t, int32(4), src.names.Load(), "disabled cache hits the source every time")

	r.SetCacheEnabled(ctx, true)
	r.Resolve(ctx, "u1", "Widget", metadata.OpRead)
	r.Resolve(ctx, "u1", "Widget", metadata.OpRead)
	assert.Equal(t, int32(5), src.names.Load())
}

func TestResolver_ErrorsResolveToNone(t *testing.T) {
	src := newSource()
	src.fail = true
	r := NewResolver(src, NoopCache{}, 500, zap.NewNop())
	assert.Equal(t, None, r.Resolve(context.Background(), "u1", "Widget", metadata.OpCreate))
	assert.Equal(t, None, r.Resolve(context.Background(), "", "Widget", metadata.OpCreate))
	assert.Equal(t, None, r.Resolve(context.Background(), "u1", "Unknown", metadata.OpCreate))
}

func TestResolver_VerifyTeams(t *testing.T) {
	src := newSource()
	r := NewResolver(src, NewMemoryCache(time.Minute, time.Minute), 500, zap.NewNop())
	ctx := context.Background()

	ids := []string{"t1", "t1", ""}
	for i := 0; i < 1200; i++ {
		ids = append(ids, fmt.Sprintf("x%d", i))
	}
	ids = append(ids, "t2")

	set, err := r.VerifyTeams(ctx, "u1", ids)
	require.NoError(t, err)
	assert.Equal(t, NewTeamSet("t1", "t2"), set)

	_, err = r.RowTeams(ctx, "u1", metadata.StandardOwnership, row("u9", "t2"), row("u9", "t7"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.names.Load(), "membership comes from the cached grants")

	src.fail = true
	_, err = r.VerifyTeams(ctx, "u2", []string{"t1"})
	assert.Error(t, err)
}

func TestResolver_Pin(t *testing.T) {
	src := newSource()
	r := NewResolver(src, NoopCache{}, 500, zap.NewNop())
	ctx := r.Pin(context.Background(), "u1")
	require.Equal(t, int32(1), src.names.Load())

	src.fail = true
	assert.Equal(t, User, r.Resolve(ctx, "u1", "Widget", metadata.OpCreate))
	assert.Equal(t, Team, r.Resolve(ctx, "u1", "Widget", metadata.OpRead))
	set, err := r.VerifyTeams(ctx, "u1", []string{"t2", "t3"})
	require.NoError(t, err)
	assert.Equal(t, NewTeamSet("t2"), set)
	assert.Equal(t, int32(1), src.names.Load(), "pinned grants never reach the source")

	assert.Equal(t, None, r.Resolve(ctx, "u2", "Widget", metadata.OpCreate), "pin is per user")

	failed := r.Pin(context.Background(), "u1")
	assert.Equal(t, None, r.Resolve(failed, "u1", "Widget", metadata.OpCreate))
	src.fail = false
	assert.Equal(t, None, r.Resolve(failed, "u1", "Widget", metadata.OpCreate), "a failed pin is not retried")
	assert.Same(t, ctx, r.Pin(ctx, ""))
}

func TestResolver_RowFilter(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newSource(), NoopCache{}, 500, zap.NewNop())
	e := &metadata.Entity{Name: "Widget", Ownership: metadata.StandardOwnership}
	e.Normalize()

	f, err := r.RowFilter(ctx, "u1", e, System)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = r.RowFilter(ctx, "u1", e, User)
	require.NoError(t, err)
	assert.Equal(t, repository.Where("OwningUserId", repository.OpEq, record.String("u1")), f)

	f, err = r.RowFilter(ctx, "u1", e, Team)
	require.NoError(t, err)
	require.True(t, f.IsOr())
	require.Len(t, f.SubFilters, 2)
	assert.Equal(t, repository.OpIn, f.SubFilters[1].Conditions[0].Operator)
	assert.Len(t, f.SubFilters[1].Conditions[0].Values, 2)
}

func TestSQLSource(t *testing.T) {
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Bootstrap(ctx))
	require.NoError(t, s.SeedAccess(ctx,
		[]metadata.Grant{
			{Role: "clerk", Permissions: []string{"TABLE_Widget_CREATE_USER"}},
			{Role: "lead", Permissions: []string{"TABLE_Widget_CREATE_TEAM", "TABLE_Widget_DELETE_TEAM"}},
		},
		[]metadata.Member{{User: "u1", Roles: []string{"clerk", "lead"}, Teams: []string{"t1", "t2"}}},
		zap.NewNop()))

	src := NewSQLSource(s)
	names, err := src.PermissionNames(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TABLE_Widget_CREATE_USER", "TABLE_Widget_CREATE_TEAM", "TABLE_Widget_DELETE_TEAM"}, names)

	teams, err := src.TeamsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, teams)

	r := NewResolver(src, NoopCache{}, 500, zap.NewNop())
	assert.Equal(t, Team, r.Resolve(ctx, "u1", "Widget", metadata.OpCreate))
	assert.Equal(t, None, r.Resolve(ctx, "u2", "Widget", metadata.OpCreate))
}
