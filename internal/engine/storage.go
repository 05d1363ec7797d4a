package engine

import (
	"context"
	"time"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
)

// stamp writes the audit columns. Creation columns are set only on insert.
func stamp(e *metadata.Entity, rec *record.Record, userID string, now time.Time, creating bool) {
	user := record.Null()
	if userID != "" {
		user = record.String(userID)
	}
	set := func(field string, v record.Value) {
		if field != "" {
			rec.Set(field, v)
		}
	}
	if creating {
		set(e.Audit.CreatedBy, user)
		set(e.Audit.CreatedAt, record.Time(now))
	}
	set(e.Audit.UpdatedBy, user)
	set(e.Audit.UpdatedAt, record.Time(now))
}

func entityCreate(ctx context.Context, pc *PipelineContext) Response[any] {
	if pc.System.SuppressSave {
		return pass()
	}
	e := pc.Meta
	rec := pc.Entity.Clone()
	stamp(e, rec, pc.UserID, pc.svc.now(), true)
	if e.ActiveField != "" && rec.Value(e.ActiveField).IsNull() {
		rec.Set(e.ActiveField, record.Bool(true))
	}

	saved, err := pc.Repo.Insert(ctx, e.Name, rec)
	if err != nil {
		return Fail[any](storageError(err, e.Name, ""))
	}
	pc.Entity = saved
	pc.ID = saved.Value(e.PrimaryKey.Field)
	return pass()
}

// changedFields returns the fields of next that differ from pre.
func changedFields(e *metadata.Entity, pre, next *record.Record) *record.Record {
	out := record.New()
	next.Range(func(k string, v record.Value) bool {
		if k == e.PrimaryKey.Field {
			return true
		}
		if old, ok := pre.Get(k); !ok || !old.Equal(v) {
			out.Set(k, v)
		}
		return true
	})
	return out
}

// entityUpdate writes only the fields that changed; an update that changes
// nothing does not touch storage.
func entityUpdate(ctx context.Context, pc *PipelineContext) Response[any] {
	if pc.System.SuppressSave {
		return pass()
	}
	e := pc.Meta
	changes := changedFields(e, pc.pre, pc.Entity)
	if changes.Len() == 0 {
		return pass()
	}
	stamp(e, changes, pc.UserID, pc.svc.now(), false)
	changes.Set(e.PrimaryKey.Field, pc.ID)

	saved, err := pc.Repo.Update(ctx, e.Name, changes)
	if err != nil {
		return Fail[any](storageError(err, e.Name, pc.ID.Text()))
	}
	pc.Entity = saved
	return pass()
}

// entityDelete applies relation policies, then removes the row or, for
// soft-delete entities, clears its active flag.
func entityDelete(ctx context.Context, pc *PipelineContext) Response[any] {
	if pc.System.SuppressSave {
		return pass()
	}
	e := pc.Meta
	if !pc.tree.tracker.TrackDelete(e.Name, pc.ID) {
		return pass()
	}
	if !pc.System.SuppressCascadeDelete {
		if err := handleCascadeDelete(ctx, pc); err != nil {
			return Fail[any](err)
		}
	}

	if e.SoftDelete {
		upd := record.New()
		upd.Set(e.PrimaryKey.Field, pc.ID)
		upd.Set(e.ActiveField, record.Bool(false))
		stamp(e, upd, pc.UserID, pc.svc.now(), false)
		saved, err := pc.Repo.Update(ctx, e.Name, upd)
		if err != nil {
			return Fail[any](storageError(err, e.Name, pc.ID.Text()))
		}
		pc.Entity = saved
		return pass()
	}

	deleted, err := pc.Repo.Delete(ctx, e.Name, pc.ID)
	if err != nil {
		return Fail[any](storageError(err, e.Name, pc.ID.Text()))
	}
	pc.Entity = deleted
	return pass()
}

func entityRead(ctx context.Context, pc *PipelineContext) Response[any] {
	rows, total, err := pc.Repo.Query(ctx, pc.Query)
	if err != nil {
		return Fail[any](storageError(err, pc.Meta.Name, ""))
	}
	if id := pc.ReadRequest.ID; !id.IsNull() && len(rows) == 0 {
		return Fail[any](NotFoundError(pc.Meta.Name, id.Text()))
	}
	pc.ReadOutput = &ReadOutput{Results: rows, TotalResults: total}
	return pass()
}
