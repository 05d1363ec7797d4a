package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"go.uber.org/zap"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

// Stage names.
const (
	StagePreValidation        = "PreValidation"
	StageProtectSystemRecords = "ProtectSystemRecords"
	StageDefaultOwnership     = "DefaultOwnership"
	StagePatchEntity          = "PatchEntity"
	StageValidateNonNullable  = "ValidateNonNullableProperties"
	StageAddEntityToEntities  = "AddEntityToEntities"
	StagePermissionRules      = "PermissionRules"
	StagePermissions          = "Permissions"
	StageUIServices           = "UIServices"
	StageEntityCreate         = "EntityCreate"
	StageEntityUpdate         = "EntityUpdate"
	StageEntityDelete         = "EntityDelete"
	StageEntityRead           = "EntityRead"
	StageResultEntity         = "ResultEntity"
	StageResultReadOutput     = "ResultReadOutput"
)

// LogicStageName is the pipeline stage name of a hook invocation point.
func LogicStageName(s LogicStage) string {
	return "ServiceLogic." + s.String()
}

// DefaultBuilder returns the standard chains.
func DefaultBuilder() *Builder {
	var (
		preValidation = NewStage(StagePreValidation, RoleValidate, preValidate)
		protect       = NewStage(StageProtectSystemRecords, RoleStep, protectSystemRecords)
		logicPV       = logicStage(PreValidation)
		logicPO       = logicStage(PreOperation)
		logicPost     = logicStage(PostOperation)
		ownership     = NewStage(StageDefaultOwnership, RoleStep, defaultOwnership)
		patch         = NewStage(StagePatchEntity, RoleStep, patchEntity)
		nonNullable   = NewStage(StageValidateNonNullable, RoleStep, validateNonNullable)
		addEntity     = NewStage(StageAddEntityToEntities, RoleStep, addEntityToEntities)
		rules         = NewStage(StagePermissionRules, RolePermission, permissionRules)
		gate          = NewStage(StagePermissions, RolePermission, readPermissions)
		ui            = NewStage(StageUIServices, RoleStep, uiServices)
		create        = NewStage(StageEntityCreate, RoleStorage, entityCreate)
		update        = NewStage(StageEntityUpdate, RoleStorage, entityUpdate)
		remove        = NewStage(StageEntityDelete, RoleStorage, entityDelete)
		read          = NewStage(StageEntityRead, RoleStorage, entityRead)
		resultEntity  = NewStage(StageResultEntity, RoleResult, resultEntityStage)
		resultReadOut = NewStage(StageResultReadOutput, RoleResult, resultReadOutput)
	)

	b := NewBuilder()
	b.Add(KindCreate, preValidation, protect, logicPV, ownership, nonNullable, addEntity, rules, ui, logicPO, create, logicPost, resultEntity)
	b.Add(KindUpdate, preValidation, protect, logicPV, patch, nonNullable, addEntity, rules, ui, logicPO, update, logicPost, resultEntity)
	b.Add(KindDelete, preValidation, protect, logicPV, addEntity, rules, logicPO, remove, logicPost, resultEntity)
	b.Add(KindRead, preValidation, gate, logicPV, logicPO, read, logicPost, resultReadOut)

	b.Add(KindCreateProxy, preValidation, protect, logicPV, ownership, nonNullable, addEntity, rules, ui, logicPO, logicPost, resultEntity)
	b.Add(KindUpdateProxy, preValidation, protect, logicPV, patch, nonNullable, addEntity, rules, ui, logicPO, logicPost, resultEntity)
	b.Add(KindDeleteProxy, preValidation, protect, logicPV, addEntity, rules, logicPO, logicPost, resultEntity)
	b.Add(KindReadProxy, preValidation, gate, logicPV, logicPO, logicPost, resultEntity)
	return b
}

func pass() Response[any] {
	return OK[any](nil)
}

// preValidate resolves the table, coerces the payload against the
// descriptor and loads the stored row for updates and deletes.
func preValidate(ctx context.Context, pc *PipelineContext) Response[any] {
	e := pc.svc.reg.GetEntity(pc.Table)
	if e == nil {
		return Fail[any](UnknownEntityError(pc.Table))
	}
	pc.Meta = e

	if pc.Kind == KindRead {
		return prepareRead(pc)
	}

	op := pc.Kind.Operation()
	if pc.Input == nil {
		if op == metadata.OpCreate || op == metadata.OpUpdate {
			return Fail[any](InvalidPayloadError("fields are required"))
		}
		pc.Input = record.New()
	}
	input, details := coerceInput(e, pc.Input)
	if len(details) > 0 {
		return Fail[any](ValidationError(details))
	}
	pc.Input = input

	if op == metadata.OpCreate || pc.Kind == KindReadProxy {
		pc.Entity = input.Clone()
		return pass()
	}

	pk := e.PrimaryKey.Field
	id := pc.ID
	if id.IsNull() {
		id = input.Value(pk)
	}
	if id.IsNull() {
		if pc.Kind.Proxy() {
			return simulatePre(pc, input)
		}
		return Fail[any](ValidationError([]ErrorDetail{{Field: pk, Rule: "required", Message: "primary key is required"}}))
	}
	id, err := e.GetField(pk).Coerce(id)
	if err != nil {
		return Fail[any](ValidationError([]ErrorDetail{{Field: pk, Rule: "type", Message: err.Error()}}))
	}
	if v, ok := input.Get(pk); ok && !v.Equal(id) {
		return Fail[any](ValidationError([]ErrorDetail{{Field: pk, Rule: "immutable", Message: "primary key cannot be changed"}}))
	}
	input.Delete(pk)
	pc.ID = id

	row, err := pc.Repo.Find(ctx, e.Name, id, true)
	if err != nil {
		if pc.Kind.Proxy() && errors.Is(err, repository.ErrNotFound) {
			return simulatePre(pc, input)
		}
		return Fail[any](storageError(err, e.Name, id.Text()))
	}
	pc.pre = row
	if op == metadata.OpUpdate {
		pc.Entity = input.Clone()
	} else {
		pc.Entity = row.Clone()
	}
	return pass()
}

// simulatePre stands in the payload for the stored row of a proxy
// operation on a row that does not exist.
func simulatePre(pc *PipelineContext, input *record.Record) Response[any] {
	pre := input.Clone()
	if !pc.ID.IsNull() {
		pre.Set(pc.Meta.PrimaryKey.Field, pc.ID)
	}
	pc.pre = pre
	if pc.Kind.Operation() == metadata.OpUpdate {
		pc.Entity = input.Clone()
	} else {
		pc.Entity = pre.Clone()
	}
	return pass()
}

func coerceInput(e *metadata.Entity, in *record.Record) (*record.Record, []ErrorDetail) {
	out := record.New()
	var details []ErrorDetail
	in.Range(func(k string, v record.Value) bool {
		f := e.GetField(k)
		if f == nil {
			details = append(details, ErrorDetail{Field: k, Rule: "unknown", Message: fmt.Sprintf("%s has no field %s", e.Name, k)})
			return true
		}
		cv, err := f.Coerce(v)
		if err != nil {
			details = append(details, ErrorDetail{Field: k, Rule: "type", Message: err.Error()})
			return true
		}
		out.Set(k, cv)
		return true
	})
	return out, details
}

func prepareRead(pc *PipelineContext) Response[any] {
	req := pc.ReadRequest
	if req == nil {
		return Fail[any](InvalidPayloadError("read request is required"))
	}
	e := pc.Meta
	q := repository.Query{
		Table:           e.Name,
		Fields:          req.Fields,
		Joins:           req.Joins,
		Except:          req.Except,
		OrderBy:         req.OrderBy,
		Page:            req.Page,
		MaxResults:      req.MaxResults,
		Distinct:        req.Distinct,
		IncludeInactive: req.IncludeInactive,
	}
	if q.MaxResults == nil && pc.svc.opts.DefaultPageSize > 0 {
		q.MaxResults = repository.Limit(pc.svc.opts.DefaultPageSize)
	}

	parts := []*repository.Filter{req.Filter}
	if len(req.Filters) > 0 {
		parts = append(parts, &repository.Filter{Logic: repository.LogicAnd, Conditions: req.Filters})
	}
	if !req.ID.IsNull() {
		parts = append(parts, repository.Where(e.PrimaryKey.Field, repository.OpEq, req.ID))
	}
	q.Filter = repository.And(parts...)

	prepared, err := repository.Prepare(pc.svc.reg, q)
	if err != nil {
		return Fail[any](ValidationError([]ErrorDetail{{Message: err.Error()}}).WithLog("prepare read %s: %v", e.Name, err))
	}
	pc.Query = prepared
	return pass()
}

// protectSystemRecords blocks changes to system rows whatever the tier,
// and blocks callers from flagging rows as system.
func protectSystemRecords(_ context.Context, pc *PipelineContext) Response[any] {
	e := pc.Meta
	if e.SystemField == "" {
		return pass()
	}
	if pc.pre != nil && pc.pre.Value(e.SystemField).Truthy() {
		return Fail[any](SystemRecordError(e.Name, pc.ID.Text()))
	}
	if pc.Input.Value(e.SystemField).Truthy() {
		return Fail[any](NewAppError(CodeSystemRecordProtected, 403,
			fmt.Sprintf("%s.%s cannot be set by callers", e.Name, e.SystemField)))
	}
	return pass()
}

func logicStage(stage LogicStage) Stage {
	return NewStage(LogicStageName(stage), RoleLogic, func(ctx context.Context, pc *PipelineContext) Response[any] {
		hooks := pc.svc.logic.For(pc.Table, pc.Kind.Operation(), stage)
		if len(hooks) == 0 {
			return pass()
		}
		sc := pc.service
		sc.stage = stage
		for _, h := range hooks {
			if err := h.Execute(ctx, sc); err != nil {
				return Fail[any](logicError(err))
			}
		}
		return pass()
	})
}

func logicError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return BusinessLogicError(err.Error())
}

// defaultOwnership assigns new rows to the caller when no owner is given.
func defaultOwnership(_ context.Context, pc *PipelineContext) Response[any] {
	uf := pc.Meta.Ownership.UserField
	if uf != "" && pc.UserID != "" && pc.Entity.Value(uf).IsNull() {
		pc.Entity.Set(uf, record.String(pc.UserID))
	}
	return pass()
}

// PatchEntity overlays changes on a copy of pre. Fields absent from
// changes keep their stored values.
func PatchEntity(pre, changes *record.Record) *record.Record {
	out := pre.Clone()
	if out == nil {
		out = record.New()
	}
	out.Merge(changes)
	return out
}

func patchEntity(_ context.Context, pc *PipelineContext) Response[any] {
	changes := pc.Entity.Clone()
	changes.Delete(pc.Meta.PrimaryKey.Field)
	pc.Input = changes
	pc.Entity = PatchEntity(pc.pre, changes)
	return pass()
}

func validateNonNullable(_ context.Context, pc *PipelineContext) Response[any] {
	e := pc.Meta
	creating := pc.Kind.Operation() == metadata.OpCreate
	var details []ErrorDetail
	for i := range e.Fields {
		f := &e.Fields[i]
		v, present := pc.Entity.Get(f.Name)
		if v.IsNull() {
			if !f.Required || exemptFromRequired(e, f, creating, pc.Kind.Proxy(), present) {
				continue
			}
			if f.Nullable && present {
				continue
			}
			details = append(details, ErrorDetail{Field: f.Name, Rule: "required", Message: f.Name + " is required"})
			continue
		}
		if f.MaxLength > 0 && f.IsText() && utf8.RuneCountInString(v.Text()) > f.MaxLength {
			details = append(details, ErrorDetail{
				Field: f.Name, Rule: "max_length",
				Message: fmt.Sprintf("%s must be at most %d characters", f.Name, f.MaxLength),
			})
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, v.Text()) {
			details = append(details, ErrorDetail{
				Field: f.Name, Rule: "enum",
				Message: fmt.Sprintf("%s must be one of %v", f.Name, f.Enum),
			})
		}
	}
	if len(details) > 0 {
		return Fail[any](ValidationError(details))
	}
	return pass()
}

// exemptFromRequired covers values the engine or the store supplies.
func exemptFromRequired(e *metadata.Entity, f *metadata.Field, creating, proxy, present bool) bool {
	switch {
	case e.IsAuditField(f.Name), f.Name == e.ActiveField:
		return true
	case f.Name == e.PrimaryKey.Field:
		return proxy || (creating && (e.PrimaryKey.Generated || f.Type == "uuid"))
	case creating && !present && f.Default != nil:
		return true
	}
	return false
}

func addEntityToEntities(_ context.Context, pc *PipelineContext) Response[any] {
	pc.tree.entities = append(pc.tree.entities, pc.Entity)
	return pass()
}

// permissionRules checks the caller's tier against the proposed row on
// create and against the stored row otherwise. Changing an ownership
// field also needs the ASSIGN tier on the stored row.
func permissionRules(ctx context.Context, pc *PipelineContext) Response[any] {
	e := pc.Meta
	op := pc.Kind.Operation()
	res := pc.Resolver

	level := res.Resolve(ctx, pc.UserID, e.Name, op)
	pc.Level = level
	if level == permission.None {
		return Fail[any](PermissionDeniedError(e.Name, string(op)).WithLog("user %s has no %s tier on %s", pc.UserID, op, e.Name))
	}

	row := pc.pre
	if op == metadata.OpCreate {
		row = pc.Entity
	}
	if resp := checkRow(ctx, pc, level, row, op); !resp.Succeeded {
		return resp
	}

	if op == metadata.OpUpdate && ownershipChanged(e, pc.pre, pc.Entity) {
		assign := res.Resolve(ctx, pc.UserID, e.Name, metadata.OpAssign)
		if assign == permission.None {
			return Fail[any](PermissionDeniedError(e.Name, string(metadata.OpAssign)).WithLog("user %s has no ASSIGN tier on %s", pc.UserID, e.Name))
		}
		return checkRow(ctx, pc, assign, pc.pre, metadata.OpAssign)
	}
	return pass()
}

func checkRow(ctx context.Context, pc *PipelineContext, level permission.Level, row *record.Record, op metadata.Operation) Response[any] {
	e := pc.Meta
	teams, err := pc.Resolver.RowTeams(ctx, pc.UserID, e.Ownership, row)
	if err != nil {
		return Fail[any](InternalError(err))
	}
	if !permission.CanAccessRow(level, row, e.Ownership, pc.UserID, teams) {
		return Fail[any](PermissionDeniedError(e.Name, string(op)).WithLog("user %s at tier %s cannot access %s %s", pc.UserID, level, e.Name, pc.idText()))
	}
	return pass()
}

func ownershipChanged(e *metadata.Entity, pre, next *record.Record) bool {
	for _, f := range e.Ownership.Fields() {
		if !pre.Value(f).Equal(next.Value(f)) {
			return true
		}
	}
	return false
}

// readPermissions gates a read on the base table and every joined or
// excepted table, then narrows each of them to the rows inside the
// caller's tier for that table.
func readPermissions(ctx context.Context, pc *PipelineContext) Response[any] {
	e := pc.Meta
	res := pc.Resolver
	level := res.Resolve(ctx, pc.UserID, e.Name, metadata.OpRead)
	pc.Level = level
	if level == permission.None {
		return Fail[any](PermissionDeniedError(e.Name, string(metadata.OpRead)))
	}
	for i, j := range pc.Query.Joins {
		f, appErr := relatedRowFilter(ctx, pc, j.ToTable)
		if appErr != nil {
			return Fail[any](appErr)
		}
		pc.Query.Joins[i].Filter = repository.And(j.Filter, f)
	}
	for i, ex := range pc.Query.Except {
		f, appErr := relatedRowFilter(ctx, pc, ex.Table)
		if appErr != nil {
			return Fail[any](appErr)
		}
		pc.Query.Except[i].Filter = repository.And(ex.Filter, f)
	}

	if pc.Kind == KindReadProxy {
		return checkRow(ctx, pc, level, pc.Entity, metadata.OpRead)
	}
	filter, err := res.RowFilter(ctx, pc.UserID, e, level)
	if err != nil {
		return Fail[any](InternalError(err))
	}
	if filter != nil {
		pc.Query.Filter = repository.And(pc.Query.Filter, filter)
	}
	return pass()
}

// relatedRowFilter resolves the caller's READ tier on a table a query
// reaches besides its base table and returns the filter for its rows.
func relatedRowFilter(ctx context.Context, pc *PipelineContext, table string) (*repository.Filter, *AppError) {
	level := pc.Resolver.Resolve(ctx, pc.UserID, table, metadata.OpRead)
	if level == permission.None {
		return nil, PermissionDeniedError(table, string(metadata.OpRead))
	}
	target := pc.svc.reg.GetEntity(table)
	if target == nil {
		return nil, UnknownEntityError(table)
	}
	f, err := pc.Resolver.RowFilter(ctx, pc.UserID, target, level)
	if err != nil {
		return nil, InternalError(err)
	}
	return f, nil
}

// uiServices enforces read-only and create-only fields. In drop mode the
// change is discarded instead of failing the request.
func uiServices(_ context.Context, pc *PipelineContext) Response[any] {
	e := pc.Meta
	updating := pc.Kind.Operation() == metadata.OpUpdate
	changes := pc.Entity
	if updating {
		changes = pc.Input
	}
	drop := pc.svc.dropFields.Load()

	var details []ErrorDetail
	for _, k := range changes.Keys() {
		f := e.GetField(k)
		if f == nil {
			continue
		}
		rule := ""
		switch {
		case f.ReadOnly:
			rule = "read_only"
		case updating && f.CreateOnly:
			rule = "create_only"
		default:
			continue
		}
		if updating && pc.pre.Value(k).Equal(changes.Value(k)) {
			continue
		}
		if drop {
			changes.Delete(k)
			if updating {
				pc.Entity.Set(k, pc.pre.Value(k))
			}
			pc.svc.logger.Debug("dropped restricted field change",
				zap.String("table", e.Name), zap.String("field", k), zap.String("rule", rule))
			continue
		}
		details = append(details, ErrorDetail{Field: k, Rule: rule, Message: k + " cannot be changed"})
	}
	if len(details) > 0 {
		return Fail[any](ValidationError(details))
	}
	return pass()
}
