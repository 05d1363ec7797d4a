package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

// MaxPerPage caps per_page on list requests.
const MaxPerPage = 100

var filterOperators = map[string]string{
	"eq":       repository.OpEq,
	"neq":      repository.OpNeq,
	"gt":       repository.OpGt,
	"gte":      repository.OpGte,
	"lt":       repository.OpLt,
	"lte":      repository.OpLte,
	"contains": repository.OpContains,
	"in":       repository.OpIn,
}

// ParseListParams turns URL query parameters into a ReadRequest:
//
//	filter[field]=v or filter[field.op]=v  (op: eq neq gt gte lt lte contains in)
//	sort=-CreatedDate,Name
//	page=2&per_page=25
//	fields=Id,Name
//	denormalize=true, includeInactive=true
//
// Values stay strings; the query planner coerces them to the field types.
func ParseListParams(c *fiber.Ctx) (ReadRequest, error) {
	req := ReadRequest{
		Table:           c.Params("table"),
		Fields:          splitAndTrim(c.Query("fields")),
		Denormalize:     c.QueryBool("denormalize"),
		IncludeInactive: c.QueryBool("includeInactive"),
	}

	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[7 : len(key)-1])
		operator, ok := filterOperators[op]
		if !ok || field == "" {
			return req, InvalidPayloadError(fmt.Sprintf("Invalid filter: %s", key))
		}
		cond := repository.Condition{Field: field, Operator: operator}
		if operator == repository.OpIn {
			for _, part := range splitAndTrim(val) {
				cond.Values = append(cond.Values, record.String(part))
			}
		} else {
			cond.Value = record.String(val)
		}
		req.Filters = append(req.Filters, cond)
	}

	for _, part := range splitAndTrim(c.Query("sort")) {
		o := repository.Order{Field: part, Direction: "asc"}
		if strings.HasPrefix(part, "-") {
			o = repository.Order{Field: part[1:], Direction: "desc"}
		}
		req.OrderBy = append(req.OrderBy, o)
	}

	if p := c.Query("page"); p != "" {
		v, err := strconv.Atoi(p)
		if err != nil || v < 1 {
			return req, InvalidPayloadError(fmt.Sprintf("Invalid page: %s", p))
		}
		req.Page = v
	}
	if pp := c.Query("per_page"); pp != "" {
		v, err := strconv.Atoi(pp)
		if err != nil || v < 1 {
			return req, InvalidPayloadError(fmt.Sprintf("Invalid per_page: %s", pp))
		}
		req.MaxResults = repository.Limit(min(v, MaxPerPage))
	}
	return req, nil
}

// parseFilterKey splits "Price.gte" into ("Price", "gte"); a bare field means eq.
func parseFilterKey(key string) (string, string) {
	if field, op, ok := strings.Cut(key, "."); ok {
		return field, op
	}
	return key, "eq"
}
