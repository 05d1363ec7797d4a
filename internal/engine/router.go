package engine

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// RegisterDataRoutes mounts the data API under /api behind the given middleware.
func RegisterDataRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Post("/_bulk", h.Bulk)
	api.Post("/:table/_query", h.Query)
	api.Post("/:table/_upsert", h.Upsert)
	api.Post("/:table/_action/:name", h.Action)
	api.Get("/:table", h.List)
	api.Get("/:table/:id", h.GetByID)
	api.Post("/:table", h.Create)
	api.Put("/:table/:id", h.Update)
	api.Delete("/:table/:id", h.Delete)
}

// RegisterAdminRoutes mounts the permission cache controls.
func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	admin := app.Group("/api/_permissions", middleware...)
	admin.Post("/invalidate", h.InvalidatePermissions)
}

// ErrorHandler renders errors that escape a handler as an envelope.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			status := appErr.Status
			if status == 0 {
				status = statusFor(appErr.Code)
			}
			return c.Status(status).JSON(Fail[any](appErr))
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(Response[any]{
				Code:            CodeInvalidPayload,
				FriendlyMessage: fiberErr.Message,
			})
		}

		logger.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
		resp := Fail[any](InternalError(err))
		resp.LogMessage = ""
		return c.Status(fiber.StatusInternalServerError).JSON(resp)
	}
}
