package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rocket-dataservice/internal/config"
	"rocket-dataservice/internal/instrument"
	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

// Field restriction modes.
const (
	FieldRestrictionReject = "reject"
	FieldRestrictionDrop   = "drop"
)

type Options struct {
	FieldRestriction string
	// BulkSingleTransaction runs a whole bulk call in one transaction.
	BulkSingleTransaction bool
	// DefaultPageSize applies to reads without maxResults; 0 means unbounded.
	DefaultPageSize int
	Clock           func() time.Time
	Instrumenter    instrument.Instrumenter
	// Builder replaces the standard chains.
	Builder *Builder
}

func OptionsFromConfig(c config.EngineConfig) Options {
	return Options{
		FieldRestriction:      c.FieldRestrictionMode,
		BulkSingleTransaction: c.BulkSingleTransaction,
		DefaultPageSize:       c.DefaultPageSize,
	}
}

// WriteRequest is one create, update, delete or upsert.
type WriteRequest struct {
	Table      string           `json:"tableName"`
	ID         record.Value     `json:"id"`
	Fields     *record.Record   `json:"fields"`
	Parameters map[string]any   `json:"parameters,omitempty"`
	System     SystemParameters `json:"systemParameters"`
}

type ReadRequest struct {
	Table  string   `json:"tableName"`
	Fields []string `json:"fields,omitempty"`
	// ID restricts the read to one row and turns an empty result into NOT_FOUND.
	ID record.Value `json:"id"`
	// Filters are ANDed with Filter.
	Filters         []repository.Condition `json:"filters,omitempty"`
	Filter          *repository.Filter     `json:"filter,omitempty"`
	Joins           []repository.Join      `json:"joins,omitempty"`
	OrderBy         []repository.Order     `json:"orderBy,omitempty"`
	Page            int                    `json:"page"`
	MaxResults      *int                   `json:"maxResults"`
	Distinct        bool                   `json:"distinct,omitempty"`
	Denormalize     bool                   `json:"denormalize,omitempty"`
	Except          []repository.Except    `json:"except,omitempty"`
	IncludeInactive bool                   `json:"includeInactive,omitempty"`
	Parameters      map[string]any         `json:"parameters,omitempty"`
}

type BulkRequest struct {
	Creates    []WriteRequest `json:"creates"`
	Updates    []WriteRequest `json:"updates"`
	Deletes    []WriteRequest `json:"deletes"`
	Upserts    []WriteRequest `json:"upserts"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// BulkFailure locates the item that stopped a bulk call. Index is 1-based.
type BulkFailure struct {
	Section string `json:"section"`
	Index   int    `json:"index"`
}

type BulkResult struct {
	Creates []*record.Record `json:"creates"`
	Updates []*record.Record `json:"updates"`
	Deletes []*record.Record `json:"deletes"`
	Upserts []*record.Record `json:"upserts"`
	Failure *BulkFailure     `json:"failure,omitempty"`
}

// ActionRequest runs the proxy chain of Operation. Hooks see the action
// name as InputParameters["action"].
type ActionRequest struct {
	Table      string         `json:"tableName"`
	Name       string         `json:"name"`
	Operation  string         `json:"operation,omitempty"`
	ID         record.Value   `json:"id"`
	Fields     *record.Record `json:"fields"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type ActionResult struct {
	Entity           *record.Record `json:"entity"`
	OutputParameters map[string]any `json:"outputParameters"`
}

// Service is the public entry point of the engine. Every call runs in its
// own unit of work.
type Service struct {
	reg       *metadata.Registry
	repo      repository.Transactor
	resolver  *permission.Resolver
	logic     *LogicRegistry
	pipelines map[Kind]*Pipeline
	opts      Options
	logger    *zap.Logger
	// dropFields is the live field restriction mode.
	dropFields atomic.Bool
}

func NewService(reg *metadata.Registry, repo repository.Transactor, resolver *permission.Resolver, logic *LogicRegistry, logger *zap.Logger, opts Options) (*Service, error) {
	switch opts.FieldRestriction {
	case "":
		opts.FieldRestriction = FieldRestrictionReject
	case FieldRestrictionReject, FieldRestrictionDrop:
	default:
		return nil, fmt.Errorf("unknown field restriction mode %q", opts.FieldRestriction)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logic == nil {
		logic = NewLogicRegistry()
	}
	b := opts.Builder
	if b == nil {
		b = DefaultBuilder()
	}
	pipelines, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build pipelines: %w", err)
	}
	svc := &Service{
		reg:       reg,
		repo:      repo,
		resolver:  resolver,
		logic:     logic,
		pipelines: pipelines,
		opts:      opts,
		logger:    logger,
	}
	svc.dropFields.Store(opts.FieldRestriction == FieldRestrictionDrop)
	return svc, nil
}

// Pipeline returns the chain used for a kind.
func (s *Service) Pipeline(kind Kind) *Pipeline {
	return s.pipelines[kind]
}

func (s *Service) Logic() *LogicRegistry { return s.logic }

// SetFieldRestriction switches between reject and drop at runtime.
func (s *Service) SetFieldRestriction(mode string) error {
	if mode != FieldRestrictionReject && mode != FieldRestrictionDrop {
		return fmt.Errorf("unknown field restriction mode %q", mode)
	}
	s.dropFields.Store(mode == FieldRestrictionDrop)
	return nil
}

func (s *Service) now() time.Time {
	return s.opts.Clock().UTC()
}

func (s *Service) Create(ctx context.Context, userID string, req WriteRequest) Response[*record.Record] {
	return s.single(ctx, userID, KindCreate, req)
}

func (s *Service) Update(ctx context.Context, userID string, req WriteRequest) Response[*record.Record] {
	return s.single(ctx, userID, KindUpdate, req)
}

func (s *Service) Delete(ctx context.Context, userID string, req WriteRequest) Response[*record.Record] {
	return s.single(ctx, userID, KindDelete, req)
}

func (s *Service) single(ctx context.Context, userID string, kind Kind, req WriteRequest) Response[*record.Record] {
	ctx = s.prepareContext(ctx, userID)
	resp := s.transact(ctx, true, func(tx repository.Tx) Response[any] {
		return s.run(ctx, s.newRoot(newTree(), tx, userID, kind, req))
	})
	return entityResponse(resp)
}

func (s *Service) Read(ctx context.Context, userID string, req ReadRequest) Response[*ReadOutput] {
	ctx = s.prepareContext(ctx, userID)
	resp := s.transact(ctx, true, func(tx repository.Tx) Response[any] {
		pc := s.newRoot(newTree(), tx, userID, KindRead, WriteRequest{Table: req.Table, Parameters: req.Parameters})
		pc.ReadRequest = &req
		return s.run(ctx, pc)
	})
	out, _ := resp.Data.(*ReadOutput)
	return convert(resp, out)
}

// Upsert updates the row named by the request id (or the primary key in
// its fields) when it exists and creates it otherwise.
func (s *Service) Upsert(ctx context.Context, userID string, req WriteRequest) Response[*record.Record] {
	ctx = s.prepareContext(ctx, userID)
	resp := s.transact(ctx, true, func(tx repository.Tx) Response[any] {
		return s.upsert(ctx, newTree(), tx, userID, req)
	})
	return entityResponse(resp)
}

func (s *Service) upsert(ctx context.Context, tree *Tree, repo repository.Repository, userID string, req WriteRequest) Response[any] {
	kind := KindCreate
	if e := s.reg.GetEntity(req.Table); e != nil {
		id := req.ID
		if id.IsNull() {
			id = req.Fields.Value(e.PrimaryKey.Field)
		}
		if !id.IsNull() {
			if cid, err := e.GetField(e.PrimaryKey.Field).Coerce(id); err == nil {
				_, err := repo.Find(ctx, e.Name, cid, true)
				switch {
				case err == nil:
					kind = KindUpdate
					req.ID = cid
				case !errors.Is(err, repository.ErrNotFound):
					return Fail[any](storageError(err, e.Name, cid.Text()))
				}
			}
		}
	}
	return s.run(ctx, s.newRoot(tree, repo, userID, kind, req))
}

// Bulk runs the items of every section in order: creates, updates,
// deletes, upserts. The first failure stops the call.
func (s *Service) Bulk(ctx context.Context, userID string, req BulkRequest) Response[*BulkResult] {
	ctx = s.prepareContext(ctx, userID)
	tree := newTree()
	bulk := &BulkServiceContext{
		tree:             tree,
		UserID:           userID,
		InputParameters:  cloneParams(req.Parameters),
		OutputParameters: make(map[string]any),
	}
	tree.bulk = bulk
	result := &BulkResult{}

	if !s.opts.BulkSingleTransaction {
		resp := s.runBulk(ctx, tree, userID, req, result, func(fn func(repository.Repository) Response[any]) Response[any] {
			return s.transact(ctx, true, func(tx repository.Tx) Response[any] { return fn(tx) })
		})
		if resp.Succeeded {
			resp = s.runBulkLogic(ctx, bulk)
		}
		return s.bulkResponse(ctx, bulk, result, resp)
	}

	resp := s.transact(ctx, false, func(tx repository.Tx) Response[any] {
		resp := s.runBulk(ctx, tree, userID, req, result, func(fn func(repository.Repository) Response[any]) Response[any] {
			return fn(tx)
		})
		if !resp.Succeeded {
			return resp
		}
		return s.runBulkLogic(ctx, bulk)
	})
	return s.bulkResponse(ctx, bulk, result, resp)
}

type bulkSection struct {
	name  string
	kind  Kind // empty for upserts
	items []WriteRequest
	out   *[]*record.Record
}

func (s *Service) runBulk(ctx context.Context, tree *Tree, userID string, req BulkRequest, result *BulkResult,
	within func(func(repository.Repository) Response[any]) Response[any]) Response[any] {
	sections := []bulkSection{
		{name: "Creates", kind: KindCreate, items: req.Creates, out: &result.Creates},
		{name: "Updates", kind: KindUpdate, items: req.Updates, out: &result.Updates},
		{name: "Deletes", kind: KindDelete, items: req.Deletes, out: &result.Deletes},
		{name: "Upserts", items: req.Upserts, out: &result.Upserts},
	}
	for _, sec := range sections {
		for i, item := range sec.items {
			resp := within(func(repo repository.Repository) Response[any] {
				if sec.kind == "" {
					return s.upsert(ctx, tree, repo, userID, item)
				}
				return s.run(ctx, s.newRoot(tree, repo, userID, sec.kind, item))
			})
			for k, v := range resp.OutputParameters {
				if _, ok := tree.bulk.OutputParameters[k]; !ok {
					tree.bulk.OutputParameters[k] = v
				}
			}
			if !resp.Succeeded {
				result.Failure = &BulkFailure{Section: sec.name, Index: i + 1}
				resp.FriendlyMessage = fmt.Sprintf("%s item %d: %s", sec.name, i+1, resp.FriendlyMessage)
				return resp
			}
			rec, _ := resp.Data.(*record.Record)
			*sec.out = append(*sec.out, rec)
		}
	}
	return pass()
}

func (s *Service) runBulkLogic(ctx context.Context, bulk *BulkServiceContext) Response[any] {
	for _, l := range s.logic.Bulk() {
		if err := l.Execute(ctx, bulk); err != nil {
			resp := Fail[any](logicError(err))
			resp.FailedStage = "BulkLogic"
			return resp
		}
	}
	return pass()
}

func (s *Service) bulkResponse(ctx context.Context, bulk *BulkServiceContext, result *BulkResult, resp Response[any]) Response[*BulkResult] {
	out := convert(resp, result)
	out.OutputParameters = bulk.OutputParameters
	if resp.Succeeded {
		instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "bulk", "", "", map[string]any{
			"creates": len(result.Creates),
			"updates": len(result.Updates),
			"deletes": len(result.Deletes),
			"upserts": len(result.Upserts),
		})
	}
	return out
}

// Action runs business logic and permission checks for an operation
// without touching storage. An empty operation means update when an id is
// given and create otherwise.
func (s *Service) Action(ctx context.Context, userID string, req ActionRequest) Response[*ActionResult] {
	op := metadata.OpCreate
	if !req.ID.IsNull() {
		op = metadata.OpUpdate
	}
	if req.Operation != "" {
		parsed, ok := metadata.ParseOperation(req.Operation)
		if !ok || parsed == metadata.OpAssign {
			return Fail[*ActionResult](InvalidPayloadError(fmt.Sprintf("unknown operation %q", req.Operation)))
		}
		op = parsed
	}
	if req.Name == "" {
		return Fail[*ActionResult](InvalidPayloadError("action name is required"))
	}

	ctx = s.prepareContext(ctx, userID)
	var pc *PipelineContext
	resp := s.transact(ctx, true, func(tx repository.Tx) Response[any] {
		params := cloneParams(req.Parameters)
		params["action"] = req.Name
		pc = s.newRoot(newTree(), tx, userID, ProxyOf(op), WriteRequest{
			Table:      req.Table,
			ID:         req.ID,
			Fields:     req.Fields,
			Parameters: params,
		})
		return s.run(ctx, pc)
	})
	if pc == nil {
		return convert[any, *ActionResult](resp, nil)
	}
	ent, _ := resp.Data.(*record.Record)
	return convert(resp, &ActionResult{Entity: ent, OutputParameters: pc.OutputParameters})
}

// prepareContext resolves the caller's grants before any transaction is
// opened. Permission checks inside the transaction then read them from ctx.
func (s *Service) prepareContext(ctx context.Context, userID string) context.Context {
	ctx = s.resolver.Pin(ctx, userID)
	ctx = instrument.EnsureTraceID(ctx)
	ctx = instrument.WithUserID(ctx, userID)
	if s.opts.Instrumenter != nil {
		ctx = instrument.WithInstrumenter(ctx, s.opts.Instrumenter)
	}
	return ctx
}

func (s *Service) newRoot(tree *Tree, repo repository.Repository, userID string, kind Kind, req WriteRequest) *PipelineContext {
	var input *record.Record
	if req.Fields != nil {
		input = req.Fields.Clone()
	}
	pc := &PipelineContext{
		Kind:             kind,
		UserID:           userID,
		Table:            req.Table,
		ID:               req.ID,
		Input:            input,
		InputParameters:  cloneParams(req.Parameters),
		OutputParameters: make(map[string]any),
		System:           req.System,
		Repo:             repo,
		Resolver:         s.resolver,
		svc:              s,
	}
	return tree.add(pc, -1)
}

// run executes the chain for pc. A delete of a row already deleted in this
// unit of work succeeds without running.
func (s *Service) run(ctx context.Context, pc *PipelineContext) Response[any] {
	if pc.Kind == KindDelete && !pc.ID.IsNull() && pc.tree.tracker.TrackingDelete(pc.Table, pc.ID) {
		return pass()
	}

	resp := s.pipelines[pc.Kind].Run(ctx, pc)
	if len(pc.OutputParameters) > 0 {
		resp.OutputParameters = pc.OutputParameters
	}
	if resp.Succeeded {
		pc.propagateOutputs()
		if !pc.Kind.Proxy() && pc.Kind != KindRead && pc.parent < 0 {
			instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, strings.ToLower(string(pc.Kind)), pc.Table, pc.idText(), nil)
		}
		return resp
	}
	if pc.parent < 0 {
		s.logFailure(pc, resp)
	}
	return resp
}

// transact runs fn in a new transaction. It commits on success and, when
// commitPostFailure is set, after a failure in post-operation logic since
// the mutation is already durable. Anything else rolls back.
func (s *Service) transact(ctx context.Context, commitPostFailure bool, fn func(tx repository.Tx) Response[any]) Response[any] {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return Fail[any](InternalError(fmt.Errorf("begin: %w", err)))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	resp := fn(tx)
	if resp.Succeeded || (commitPostFailure && resp.FailedStage == LogicStageName(PostOperation)) {
		if err := tx.Commit(); err != nil {
			return Fail[any](InternalError(fmt.Errorf("commit: %w", err)))
		}
		if !resp.Succeeded {
			s.logger.Warn("post-operation logic failed after commit", zap.String("log", resp.LogMessage))
		}
		return resp
	}
	if err := tx.Rollback(); err != nil {
		s.logger.Error("rollback failed", zap.Error(err))
	}
	return resp
}

func (s *Service) logFailure(pc *PipelineContext, resp Response[any]) {
	fields := []zap.Field{
		zap.String("table", pc.Table),
		zap.String("user_id", pc.UserID),
		zap.String("kind", string(pc.Kind)),
		zap.String("stage", resp.FailedStage),
		zap.String("code", resp.Code),
		zap.String("log", resp.LogMessage),
	}
	switch resp.Code {
	case CodeInternal, CodeConstraintViolation:
		s.logger.Error("operation failed", fields...)
	default:
		s.logger.Warn("operation rejected", fields...)
	}
}

func entityResponse(r Response[any]) Response[*record.Record] {
	rec, _ := r.Data.(*record.Record)
	return convert(r, rec)
}

func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	maps.Copy(out, m)
	return out
}
