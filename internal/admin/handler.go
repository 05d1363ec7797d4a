package admin

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"rocket-dataservice/internal/engine"
	"rocket-dataservice/internal/metadata"
)

// LoadFunc builds a complete, validated registry from the metadata sources.
type LoadFunc func(ctx context.Context) (*metadata.Registry, error)

// MigrateFunc brings storage in line with a registry before it goes live.
type MigrateFunc func(ctx context.Context, reg *metadata.Registry) error

// Handler exposes the live metadata registry for inspection and reload.
type Handler struct {
	registry *metadata.Registry
	load     LoadFunc
	migrate  MigrateFunc
	logger   *zap.Logger
}

func NewHandler(reg *metadata.Registry, load LoadFunc, migrate MigrateFunc, logger *zap.Logger) *Handler {
	return &Handler{registry: reg, load: load, migrate: migrate, logger: logger}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_admin", middleware...)

	admin.Get("/entities", h.ListEntities)
	admin.Get("/entities/:name", h.GetEntity)
	admin.Get("/entities/:name/rules", h.ListRules)
	admin.Get("/relations", h.ListRelations)
	admin.Get("/relations/:name", h.GetRelation)
	admin.Post("/reload", h.Reload)
}

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	return c.JSON(engine.OK(h.registry.AllEntities()))
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	e := h.registry.GetEntity(name)
	if e == nil {
		return engine.UnknownEntityError(name)
	}
	return c.JSON(engine.OK(e))
}

// ListRules returns the active rules of an entity grouped by hook.
func (h *Handler) ListRules(c *fiber.Ctx) error {
	name := c.Params("name")
	if h.registry.GetEntity(name) == nil {
		return engine.UnknownEntityError(name)
	}
	out := make(map[string][]*metadata.Rule)
	for _, hook := range []string{metadata.HookBeforeValidate, metadata.HookBeforeWrite, metadata.HookAfterWrite} {
		if rules := h.registry.GetRulesForEntity(name, hook); len(rules) > 0 {
			out[hook] = rules
		}
	}
	return c.JSON(engine.OK(out))
}

func (h *Handler) ListRelations(c *fiber.Ctx) error {
	return c.JSON(engine.OK(h.registry.AllRelations()))
}

func (h *Handler) GetRelation(c *fiber.Ctx) error {
	name := c.Params("name")
	rel := h.registry.GetRelation(name)
	if rel == nil {
		return engine.NewAppError(engine.CodeNotFound, fiber.StatusNotFound, "Relation not found: "+name)
	}
	return c.JSON(engine.OK(rel))
}

// Reload rebuilds the registry from its sources, migrates storage and only
// then swaps the new metadata in. A failure leaves the live registry as it was.
func (h *Handler) Reload(c *fiber.Ctx) error {
	ctx := c.UserContext()
	fresh, err := h.load(ctx)
	if err != nil {
		h.logger.Warn("metadata reload failed", zap.Error(err))
		return engine.ValidationError([]engine.ErrorDetail{{Message: err.Error()}})
	}
	if h.migrate != nil {
		if err := h.migrate(ctx, fresh); err != nil {
			return engine.InternalError(err)
		}
	}
	h.registry.ReplaceWith(fresh)

	names := lo.Map(fresh.AllEntities(), func(e *metadata.Entity, _ int) string { return e.Name })
	h.logger.Info("metadata reloaded", zap.Strings("entities", names), zap.Int("relations", len(fresh.AllRelations())))
	return c.JSON(engine.OK(fiber.Map{"entities": names, "relations": len(fresh.AllRelations())}))
}
