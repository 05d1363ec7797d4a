package engine

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/record"
)

// Handler exposes the Service over HTTP. Bodies and responses are JSON;
// every response is a Response envelope.
type Handler struct {
	svc      *Service
	resolver *permission.Resolver
	logger   *zap.Logger
}

func NewHandler(svc *Service, resolver *permission.Resolver, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, resolver: resolver, logger: logger}
}

// Create handles POST /api/:table
func (h *Handler) Create(c *fiber.Ctx) error {
	req, err := parseWrite(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.Create(c.UserContext(), userID(c), req), fiber.StatusCreated)
}

// Update handles PUT /api/:table/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	req, err := parseWrite(c)
	if err != nil {
		return err
	}
	req.ID = record.String(c.Params("id"))
	return respond(c, h.svc.Update(c.UserContext(), userID(c), req), fiber.StatusOK)
}

// Delete handles DELETE /api/:table/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	req, err := parseWrite(c)
	if err != nil {
		return err
	}
	req.ID = record.String(c.Params("id"))
	return respond(c, h.svc.Delete(c.UserContext(), userID(c), req), fiber.StatusOK)
}

// Upsert handles POST /api/:table/_upsert
func (h *Handler) Upsert(c *fiber.Ctx) error {
	req, err := parseWrite(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.Upsert(c.UserContext(), userID(c), req), fiber.StatusOK)
}

// GetByID handles GET /api/:table/:id with an optional ?fields=a,b projection.
func (h *Handler) GetByID(c *fiber.Ctx) error {
	req := ReadRequest{
		Table:       c.Params("table"),
		ID:          record.String(c.Params("id")),
		Fields:      splitAndTrim(c.Query("fields")),
		Denormalize: c.QueryBool("denormalize"),
	}
	resp := h.svc.Read(c.UserContext(), userID(c), req)
	var row *record.Record
	if resp.Succeeded && resp.Data != nil && len(resp.Data.Results) > 0 {
		row = resp.Data.Results[0]
	}
	return respond(c, convert(resp, row), fiber.StatusOK)
}

// List handles GET /api/:table with URL filters, sorting and paging.
func (h *Handler) List(c *fiber.Ctx) error {
	req, err := ParseListParams(c)
	if err != nil {
		return err
	}
	return respond(c, h.svc.Read(c.UserContext(), userID(c), req), fiber.StatusOK)
}

// Query handles POST /api/:table/_query
func (h *Handler) Query(c *fiber.Ctx) error {
	var req ReadRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	req.Table = c.Params("table")
	return respond(c, h.svc.Read(c.UserContext(), userID(c), req), fiber.StatusOK)
}

// Action handles POST /api/:table/_action/:name
func (h *Handler) Action(c *fiber.Ctx) error {
	var req ActionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	req.Table = c.Params("table")
	req.Name = c.Params("name")
	return respond(c, h.svc.Action(c.UserContext(), userID(c), req), fiber.StatusOK)
}

// Bulk handles POST /api/_bulk
func (h *Handler) Bulk(c *fiber.Ctx) error {
	var req BulkRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	return respond(c, h.svc.Bulk(c.UserContext(), userID(c), req), fiber.StatusOK)
}

// InvalidatePermissions handles POST /api/_permissions/invalidate. A body
// naming a userId drops that user's cached grants; otherwise all are dropped.
func (h *Handler) InvalidatePermissions(c *fiber.Ctx) error {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := parseBody(c, &body); err != nil {
		return err
	}
	if body.UserID != "" {
		h.resolver.Invalidate(c.UserContext(), body.UserID)
	} else {
		h.resolver.InvalidateAll(c.UserContext())
	}
	return c.JSON(OK(fiber.Map{"invalidated": true, "userId": body.UserID}))
}

func parseWrite(c *fiber.Ctx) (WriteRequest, error) {
	var req WriteRequest
	if err := parseBody(c, &req); err != nil {
		return req, err
	}
	req.Table = c.Params("table")
	return req, nil
}

// parseBody decodes a JSON body; an empty body leaves v untouched.
func parseBody(c *fiber.Ctx, v any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(v); err != nil {
		return InvalidPayloadError("Invalid JSON body").WithLog("%v", err)
	}
	return nil
}

func respond[T any](c *fiber.Ctx, resp Response[T], okStatus int) error {
	status := okStatus
	if !resp.Succeeded {
		status = statusFor(resp.Code)
		if resp.Code == CodeInternal {
			resp.LogMessage = ""
		}
	}
	return c.Status(status).JSON(resp)
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals(metadata.CallerLocal).(*metadata.UserContext)
	return user
}

func userID(c *fiber.Ctx) string {
	if user := getUser(c); user != nil {
		return user.ID
	}
	return ""
}

func splitAndTrim(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
