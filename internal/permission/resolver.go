package permission

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

// MaxTeamBatch bounds how many team ids go into one IN list of a row filter.
const MaxTeamBatch = 500

// Resolver computes permission tiers from a Source, caching each user's
// grants until invalidated. It is safe for concurrent use.
type Resolver struct {
	source    Source
	cache     Cache
	batchSize int
	logger    *zap.Logger
	enabled   atomic.Bool
	group     singleflight.Group
}

func NewResolver(source Source, cache Cache, batchSize int, logger *zap.Logger) *Resolver {
	if cache == nil {
		cache = NoopCache{}
	}
	if batchSize <= 0 || batchSize > MaxTeamBatch {
		batchSize = MaxTeamBatch
	}
	r := &Resolver{source: source, cache: cache, batchSize: batchSize, logger: logger}
	r.enabled.Store(true)
	return r
}

// Resolve returns the highest tier granted to the user for the operation
// on the table. Lookup failures resolve to None.
func (r *Resolver) Resolve(ctx context.Context, userID, table string, op metadata.Operation) Level {
	if userID == "" {
		return None
	}
	g, err := r.grants(ctx, userID)
	if err != nil {
		r.logger.Error("permission lookup failed",
			zap.String("user_id", userID), zap.String("table", table), zap.String("operation", string(op)), zap.Error(err))
		return None
	}
	return g.Level(table, op)
}

// UserTeams returns every team the user belongs to.
func (r *Resolver) UserTeams(ctx context.Context, userID string) ([]string, error) {
	g, err := r.grants(ctx, userID)
	if err != nil {
		return nil, err
	}
	return g.Teams, nil
}

type pinnedKey struct{}

type pinned struct {
	userID string
	grants *Grants
	err    error
}

// Pin resolves the user's grants once and carries them on the returned
// context. Lookups made with that context for the same user never reach
// the source, so they may run while a transaction holds the connection.
func (r *Resolver) Pin(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	g, err := r.grants(ctx, userID)
	if err != nil {
		r.logger.Error("permission lookup failed", zap.String("user_id", userID), zap.Error(err))
	}
	return context.WithValue(ctx, pinnedKey{}, &pinned{userID: userID, grants: g, err: err})
}

func (r *Resolver) grants(ctx context.Context, userID string) (*Grants, error) {
	if p, ok := ctx.Value(pinnedKey{}).(*pinned); ok && p.userID == userID {
		return p.grants, p.err
	}
	cached := r.enabled.Load()
	if cached {
		if g, ok := r.cache.Get(ctx, userID); ok {
			return g, nil
		}
	}

	v, err, _ := r.group.Do(userID, func() (any, error) {
		names, err := r.source.PermissionNames(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("permission names: %w", err)
		}
		teams, err := r.source.TeamsForUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("teams: %w", err)
		}
		g := NewGrants(names, teams)
		if r.enabled.Load() {
			r.cache.Set(ctx, userID, g)
		}
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Grants), nil
}

// VerifyTeams returns the candidate team ids the user belongs to, checked
// against the membership held in the user's grants.
func (r *Resolver) VerifyTeams(ctx context.Context, userID string, teamIDs []string) (TeamSet, error) {
	g, err := r.grants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("verify teams: %w", err)
	}
	mine := NewTeamSet(g.Teams...)
	verified := make(TeamSet)
	for _, id := range lo.Compact(teamIDs) {
		if mine.Has(id) {
			verified[id] = struct{}{}
		}
	}
	return verified, nil
}

// RowTeams verifies the team ids found on rows, for CanAccessRow.
func (r *Resolver) RowTeams(ctx context.Context, userID string, own metadata.Ownership, rows ...*record.Record) (TeamSet, error) {
	if own.TeamField == "" {
		return TeamSet{}, nil
	}
	var ids []string
	for _, row := range rows {
		if v := row.Value(own.TeamField); !v.IsNull() {
			ids = append(ids, v.Text())
		}
	}
	return r.VerifyTeams(ctx, userID, ids)
}

// RowFilter restricts a read to the rows inside level's scope. A nil
// filter means no restriction.
func (r *Resolver) RowFilter(ctx context.Context, userID string, e *metadata.Entity, level Level) (*repository.Filter, error) {
	own := e.Ownership
	switch level {
	case System:
		return nil, nil
	case Team:
		if own.TeamField == "" {
			return nil, nil
		}
		teams, err := r.UserTeams(ctx, userID)
		if err != nil {
			return nil, err
		}
		var parts []*repository.Filter
		if own.UserField != "" {
			parts = append(parts, repository.Where(own.UserField, repository.OpEq, record.String(userID)))
		}
		for _, chunk := range lo.Chunk(teams, r.batchSize) {
			values := lo.Map(chunk, func(id string, _ int) record.Value { return record.String(id) })
			parts = append(parts, repository.In(own.TeamField, values))
		}
		if len(parts) == 0 {
			return matchNothing(e), nil
		}
		return repository.Or(parts...), nil
	case User:
		if own.UserField == "" {
			return nil, nil
		}
		return repository.Where(own.UserField, repository.OpEq, record.String(userID)), nil
	}
	return matchNothing(e), nil
}

func matchNothing(e *metadata.Entity) *repository.Filter {
	return repository.In(e.PrimaryKey.Field, nil)
}

// Invalidate drops one user's cached grants.
func (r *Resolver) Invalidate(ctx context.Context, userID string) {
	r.cache.Invalidate(ctx, userID)
	r.logger.Info("permission cache invalidated", zap.String("user_id", userID))
}

// InvalidateAll drops every cached grant.
func (r *Resolver) InvalidateAll(ctx context.Context) {
	r.cache.Clear(ctx)
	r.logger.Info("permission cache cleared")
}

// SetCacheEnabled toggles caching. Turning it off clears the cache.
func (r *Resolver) SetCacheEnabled(ctx context.Context, on bool) {
	if r.enabled.Swap(on) == on {
		return
	}
	if !on {
		r.cache.Clear(ctx)
	}
	r.logger.Info("permission cache toggled", zap.Bool("enabled", on))
}

func (r *Resolver) CacheEnabled() bool {
	return r.enabled.Load()
}
