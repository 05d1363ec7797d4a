package engine

import (
	"context"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

// Permission flags added to result rows.
const (
	FlagCanUpdate = "canUpdate"
	FlagCanDelete = "canDelete"
	FlagCanAssign = "canAssign"
)

// ReadOutput is the payload of a read.
type ReadOutput struct {
	Pages        int                `json:"pages"`
	CurrentPage  int                `json:"currentPage"`
	TotalResults int                `json:"totalResults"`
	MaxResults   *int               `json:"maxResults"`
	OrderBy      []repository.Order `json:"orderBy"`
	Results      []*record.Record   `json:"results"`
}

// pageCount is 0 for an empty result and 1 for an unbounded page.
func pageCount(total int, maxResults *int) int {
	switch {
	case total == 0:
		return 0
	case maxResults == nil || *maxResults <= 0:
		return 1
	}
	return (total + *maxResults - 1) / *maxResults
}

func resultEntityStage(ctx context.Context, pc *PipelineContext) Response[any] {
	if pc.System.ReturnEmpty {
		return pass()
	}
	out := pc.Entity.Clone()
	op := pc.Kind.Operation()
	if !pc.System.ReturnTypedEntity && (op == metadata.OpCreate || op == metadata.OpUpdate) {
		if err := annotate(ctx, pc, []*record.Record{out}); err != nil {
			return Fail[any](InternalError(err))
		}
	}
	return OK[any](out)
}

func resultReadOutput(ctx context.Context, pc *PipelineContext) Response[any] {
	out := pc.ReadOutput
	q := pc.Query
	out.CurrentPage = q.Page
	out.MaxResults = q.MaxResults
	out.OrderBy = q.OrderBy
	if out.OrderBy == nil {
		out.OrderBy = []repository.Order{}
	}
	if out.Results == nil {
		out.Results = []*record.Record{}
	}
	out.Pages = pageCount(out.TotalResults, q.MaxResults)
	if pc.ReadRequest.Denormalize {
		if err := annotate(ctx, pc, out.Results); err != nil {
			return Fail[any](InternalError(err))
		}
	}
	return OK[any](out)
}

// annotate sets the caller's update, delete and assign flags on each row.
// Rows projected without their ownership columns evaluate as unowned.
func annotate(ctx context.Context, pc *PipelineContext, rows []*record.Record) error {
	if len(rows) == 0 {
		return nil
	}
	e := pc.Meta
	res := pc.Resolver
	upd := res.Resolve(ctx, pc.UserID, e.Name, metadata.OpUpdate)
	del := res.Resolve(ctx, pc.UserID, e.Name, metadata.OpDelete)
	asg := res.Resolve(ctx, pc.UserID, e.Name, metadata.OpAssign)

	teams, err := res.RowTeams(ctx, pc.UserID, e.Ownership, rows...)
	if err != nil {
		return err
	}
	can := func(l permission.Level, row *record.Record) record.Value {
		return record.Bool(permission.CanAccessRow(l, row, e.Ownership, pc.UserID, teams))
	}
	for _, row := range rows {
		row.Set(FlagCanUpdate, can(upd, row))
		row.Set(FlagCanDelete, can(del, row))
		row.Set(FlagCanAssign, can(asg, row))
	}
	return nil
}
