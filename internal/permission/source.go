package permission

import (
	"context"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/store"
)

// Source supplies role-derived permission names and team membership.
type Source interface {
	PermissionNames(ctx context.Context, userID string) ([]string, error)
	TeamsForUser(ctx context.Context, userID string) ([]string, error)
}

// SQLSource reads _user_roles, _role_permissions and _team_members.
type SQLSource struct {
	db      store.Querier
	dialect store.Dialect
}

func NewSQLSource(s *store.Store) *SQLSource {
	return &SQLSource{db: s.DB, dialect: s.Dialect}
}

func (s *SQLSource) PermissionNames(ctx context.Context, userID string) ([]string, error) {
	pb := s.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT DISTINCT rp.permission FROM _user_roles ur
		JOIN _role_permissions rp ON rp.role = ur.role
		WHERE ur.user_id = %s`, pb.Add(userID))
	return s.strings(ctx, sqlStr, "permission", pb.Params())
}

func (s *SQLSource) TeamsForUser(ctx context.Context, userID string) ([]string, error) {
	pb := s.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT team_id FROM _team_members WHERE user_id = %s ORDER BY team_id", pb.Add(userID))
	return s.strings(ctx, sqlStr, "team_id", pb.Params())
}

func (s *SQLSource) strings(ctx context.Context, sqlStr, col string, params []any) ([]string, error) {
	rows, err := store.QueryRows(ctx, s.db, sqlStr, params...)
	if err != nil {
		return nil, s.dialect.MapError(err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprint(r[col]))
	}
	return out, nil
}

// StaticSource serves grants and memberships held in memory.
type StaticSource struct {
	rolePerms map[string][]string
	members   map[string]metadata.Member
}

func NewStaticSource(grants []metadata.Grant, members []metadata.Member) *StaticSource {
	s := &StaticSource{
		rolePerms: make(map[string][]string),
		members:   make(map[string]metadata.Member),
	}
	for _, g := range grants {
		s.rolePerms[g.Role] = append(s.rolePerms[g.Role], g.Permissions...)
	}
	for _, m := range members {
		s.members[m.User] = m
	}
	return s
}

func (s *StaticSource) PermissionNames(_ context.Context, userID string) ([]string, error) {
	var names []string
	for _, role := range s.members[userID].Roles {
		names = append(names, s.rolePerms[role]...)
	}
	names = lo.Uniq(names)
	sort.Strings(names)
	return names, nil
}

func (s *StaticSource) TeamsForUser(_ context.Context, userID string) ([]string, error) {
	teams := lo.Uniq(s.members[userID].Teams)
	sort.Strings(teams)
	return teams, nil
}

var (
	_ Source = (*SQLSource)(nil)
	_ Source = (*StaticSource)(nil)
)
