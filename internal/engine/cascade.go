package engine

import (
	"context"
	"fmt"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

// handleCascadeDelete processes on_delete policies for all relations
// where the deleted entity is the source. Cascaded deletes run the full
// delete pipeline as children of pc.
func handleCascadeDelete(ctx context.Context, pc *PipelineContext) *AppError {
	relations := pc.svc.reg.GetRelationsForSource(pc.Meta.Name)
	for _, rel := range relations {
		if err := executeCascade(ctx, pc, rel); err != nil {
			if err.Log == "" {
				err.Log = err.Message
			}
			err.Log = fmt.Sprintf("cascade delete for relation %s: %s", rel.Name, err.Log)
			return err
		}
	}
	return nil
}

func executeCascade(ctx context.Context, pc *PipelineContext, rel *metadata.Relation) *AppError {
	target := pc.svc.reg.GetEntity(rel.Target)
	if target == nil {
		return InternalError(fmt.Errorf("unknown target entity: %s", rel.Target))
	}
	key := pc.pre.Value(rel.SourceKey)
	if key.IsNull() {
		return nil
	}

	switch rel.DefaultOnDelete() {
	case metadata.OnDeleteCascade:
		children, err := relatedRows(ctx, pc, target, rel, key)
		if err != nil {
			return err
		}
		for _, child := range children {
			id := child.Value(target.PrimaryKey.Field)
			if pc.tree.tracker.TrackingDelete(target.Name, id) {
				continue
			}
			cc := pc.newChild(KindDelete, target.Name)
			cc.ID = id
			if resp := pc.svc.run(ctx, cc); !resp.Succeeded {
				return resp.Err()
			}
		}

	case metadata.OnDeleteSetNull:
		children, err := relatedRows(ctx, pc, target, rel, key)
		if err != nil {
			return err
		}
		for _, child := range children {
			upd := record.New()
			upd.Set(target.PrimaryKey.Field, child.Value(target.PrimaryKey.Field))
			upd.Set(rel.TargetKey, record.Null())
			stamp(target, upd, pc.UserID, pc.svc.now(), false)
			if _, err := pc.Repo.Update(ctx, target.Name, upd); err != nil {
				return storageError(err, target.Name, "")
			}
		}

	case metadata.OnDeleteRestrict:
		_, total, err := pc.Repo.Query(ctx, repository.Query{
			Table:      target.Name,
			Fields:     []string{target.PrimaryKey.Field},
			Filter:     repository.Where(rel.TargetKey, repository.OpEq, key),
			MaxResults: repository.Limit(1),
		})
		if err != nil {
			return storageError(err, target.Name, "")
		}
		if total > 0 {
			return ConstraintError(fmt.Sprintf("Cannot delete: %d related %s records exist", total, rel.Target))
		}
	}
	return nil
}

func relatedRows(ctx context.Context, pc *PipelineContext, target *metadata.Entity, rel *metadata.Relation, key record.Value) ([]*record.Record, *AppError) {
	rows, _, err := pc.Repo.Query(ctx, repository.Query{
		Table:           target.Name,
		Fields:          []string{target.PrimaryKey.Field},
		Filter:          repository.Where(rel.TargetKey, repository.OpEq, key),
		IncludeInactive: true,
	})
	if err != nil {
		return nil, storageError(err, target.Name, "")
	}
	return rows, nil
}
