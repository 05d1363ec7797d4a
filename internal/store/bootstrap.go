package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rocket-dataservice/internal/metadata"
)

// Bootstrap creates the metadata and access-control tables if missing.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range splitStatements(s.Dialect.SystemTablesSQL()) {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap system tables: %w", err)
		}
	}
	return nil
}

// SeedAccess upserts role grants and user memberships. Existing rows are
// left alone so the call is safe to repeat on every start.
func (s *Store) SeedAccess(ctx context.Context, grants []metadata.Grant, members []metadata.Member, logger *zap.Logger) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	var n int
	for _, g := range grants {
		for _, p := range g.Permissions {
			added, err := s.insertIgnore(ctx, tx, "_role_permissions", "role", "permission", g.Role, p)
			if err != nil {
				return err
			}
			n += added
		}
	}
	for _, m := range members {
		for _, r := range m.Roles {
			added, err := s.insertIgnore(ctx, tx, "_user_roles", "user_id", "role", m.User, r)
			if err != nil {
				return err
			}
			n += added
		}
		for _, t := range m.Teams {
			added, err := s.insertIgnore(ctx, tx, "_team_members", "team_id", "user_id", t, m.User)
			if err != nil {
				return err
			}
			n += added
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	if n > 0 {
		logger.Info("seeded access rows", zap.Int("rows", n))
	}
	return nil
}

func (s *Store) insertIgnore(ctx context.Context, q Querier, table, colA, colB, a, b string) (int, error) {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s) ON CONFLICT DO NOTHING",
		table, colA, colB, pb.Add(a), pb.Add(b))
	n, err := Exec(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("seed %s: %w", table, s.Dialect.MapError(err))
	}
	return int(n), nil
}

// splitStatements splits a DDL script on semicolons. The system DDL holds
// no string literals containing ';'.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
