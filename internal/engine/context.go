package engine

import (
	"context"
	"maps"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/record"
	"rocket-dataservice/internal/repository"
)

// SystemParameters are engine switches a caller or hook may set.
type SystemParameters struct {
	ReturnEmpty           bool `json:"returnEmpty,omitempty"`
	ReturnTypedEntity     bool `json:"returnTypedEntity,omitempty"`
	SuppressCascadeDelete bool `json:"suppressCascadeDelete,omitempty"`
	SuppressSave          bool `json:"suppressSave,omitempty"`
}

// Tree is the arena holding every context of one service call. Contexts
// reference their parent by index; a call may hold several roots (one per
// bulk item).
type Tree struct {
	nodes    []*PipelineContext
	entities []*record.Record
	tracker  *DeleteTracker
	bulk     *BulkServiceContext
}

func newTree() *Tree {
	return &Tree{tracker: NewDeleteTracker()}
}

func (t *Tree) Len() int { return len(t.nodes) }

// Tracker returns the delete tracker shared by every context of the call.
func (t *Tree) Tracker() *DeleteTracker { return t.tracker }

func (t *Tree) add(pc *PipelineContext, parent int) *PipelineContext {
	pc.tree = t
	pc.index = len(t.nodes)
	pc.parent = parent
	pc.service = &ServiceContext{pc: pc}
	t.nodes = append(t.nodes, pc)
	return pc
}

// PipelineContext is the mutable state of one operation as it moves
// through a stage chain.
type PipelineContext struct {
	tree   *Tree
	index  int
	parent int // -1 for roots

	Kind   Kind
	UserID string
	Table  string
	// Meta is nil until PreValidation resolves the table.
	Meta *metadata.Entity
	// ID identifies the target row of an update, delete or read by id.
	ID record.Value
	// Input holds the caller's fields after coercion. For updates it is the
	// change set applied to the stored row.
	Input *record.Record
	// Entity is the record under operation.
	Entity           *record.Record
	pre              *record.Record
	InputParameters  map[string]any
	OutputParameters map[string]any
	System           SystemParameters

	ReadRequest *ReadRequest
	Query       repository.Query
	ReadOutput  *ReadOutput

	// Level is the caller's tier for this operation once checked.
	Level    permission.Level
	Repo     repository.Repository
	Resolver *permission.Resolver

	svc     *Service
	service *ServiceContext
}

func (pc *PipelineContext) Parent() *PipelineContext {
	if pc.parent < 0 {
		return nil
	}
	return pc.tree.nodes[pc.parent]
}

// TopParent walks to the root of this context's chain.
func (pc *PipelineContext) TopParent() *PipelineContext {
	cur := pc
	for cur.parent >= 0 {
		cur = cur.tree.nodes[cur.parent]
	}
	return cur
}

// Depth is the number of ancestors; roots have depth 0.
func (pc *PipelineContext) Depth() int {
	d := 0
	for i := pc.parent; i >= 0; i = pc.tree.nodes[i].parent {
		d++
	}
	return d
}

func (pc *PipelineContext) Tree() *Tree { return pc.tree }

// PreEntity returns a copy of the stored row captured before the change.
func (pc *PipelineContext) PreEntity() *record.Record {
	return pc.pre.Clone()
}

func (pc *PipelineContext) Service() *ServiceContext { return pc.service }

func (pc *PipelineContext) idText() string {
	if !pc.ID.IsNull() {
		return pc.ID.Text()
	}
	if pc.Meta != nil && pc.Entity != nil {
		return pc.Entity.Value(pc.Meta.PrimaryKey.Field).Text()
	}
	return ""
}

// newChild creates a context under pc sharing its unit of work.
func (pc *PipelineContext) newChild(kind Kind, table string) *PipelineContext {
	child := &PipelineContext{
		Kind:             kind,
		UserID:           pc.UserID,
		Table:            table,
		InputParameters:  make(map[string]any),
		OutputParameters: make(map[string]any),
		Repo:             pc.Repo,
		Resolver:         pc.Resolver,
		svc:              pc.svc,
	}
	return pc.tree.add(child, pc.index)
}

// propagateOutputs copies the child's outputs into the parent for keys the
// parent has not set.
func (pc *PipelineContext) propagateOutputs() {
	parent := pc.Parent()
	if parent == nil {
		return
	}
	for k, v := range pc.OutputParameters {
		if _, ok := parent.OutputParameters[k]; !ok {
			parent.OutputParameters[k] = v
		}
	}
}

type deleteKey struct {
	table string
	id    string
}

// DeleteTracker records the rows deleted in one unit of work so cascades
// never delete a row twice.
type DeleteTracker struct {
	seen map[deleteKey]struct{}
}

func NewDeleteTracker() *DeleteTracker {
	return &DeleteTracker{seen: make(map[deleteKey]struct{})}
}

// TrackDelete marks the row as deleted. It returns false when the row was
// already tracked.
func (t *DeleteTracker) TrackDelete(table string, id record.Value) bool {
	key := deleteKey{table: table, id: id.Text()}
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

// TrackingDelete reports whether the row is already deleted in this unit of work.
func (t *DeleteTracker) TrackingDelete(table string, id record.Value) bool {
	_, ok := t.seen[deleteKey{table: table, id: id.Text()}]
	return ok
}

// ServiceContext is what business logic sees of an operation.
type ServiceContext struct {
	pc    *PipelineContext
	stage LogicStage
}

func (s *ServiceContext) Table() string                     { return s.pc.Table }
func (s *ServiceContext) Kind() Kind                        { return s.pc.Kind }
func (s *ServiceContext) Operation() metadata.Operation     { return s.pc.Kind.Operation() }
func (s *ServiceContext) UserID() string                    { return s.pc.UserID }
func (s *ServiceContext) LogicStage() LogicStage            { return s.stage }
func (s *ServiceContext) Descriptor() *metadata.Entity      { return s.pc.Meta }
func (s *ServiceContext) Repository() repository.Repository { return s.pc.Repo }

// Entity is the live record; hooks may change it.
func (s *ServiceContext) Entity() *record.Record { return s.pc.Entity }

func (s *ServiceContext) SetEntity(r *record.Record) { s.pc.Entity = r }

// PreEntity returns a copy of the stored row; changing it has no effect.
func (s *ServiceContext) PreEntity() *record.Record { return s.pc.PreEntity() }

func (s *ServiceContext) InputParameters() map[string]any  { return s.pc.InputParameters }
func (s *ServiceContext) OutputParameters() map[string]any { return s.pc.OutputParameters }

func (s *ServiceContext) SetOutput(key string, v any) {
	s.pc.OutputParameters[key] = v
}

// System returns the engine switches of this operation for in-place changes.
func (s *ServiceContext) System() *SystemParameters { return &s.pc.System }

// Entities returns the batch this operation belongs to.
func (s *ServiceContext) Entities() []*record.Record {
	return append([]*record.Record(nil), s.pc.tree.entities...)
}

func (s *ServiceContext) Parent() *ServiceContext {
	if p := s.pc.Parent(); p != nil {
		return p.service
	}
	return nil
}

func (s *ServiceContext) TopParent() *ServiceContext { return s.pc.TopParent().service }
func (s *ServiceContext) Depth() int                 { return s.pc.Depth() }

// Bulk returns the enclosing bulk call, or nil.
func (s *ServiceContext) Bulk() *BulkServiceContext { return s.pc.tree.bulk }

// Create runs a nested create in this operation's unit of work.
func (s *ServiceContext) Create(ctx context.Context, table string, fields *record.Record, params map[string]any) Response[*record.Record] {
	child := s.pc.newChild(KindCreate, table)
	child.Input = fields
	maps.Copy(child.InputParameters, params)
	return entityResponse(s.pc.svc.run(ctx, child))
}

// Update runs a nested update in this operation's unit of work.
func (s *ServiceContext) Update(ctx context.Context, table string, id record.Value, fields *record.Record, params map[string]any) Response[*record.Record] {
	child := s.pc.newChild(KindUpdate, table)
	child.ID = id
	child.Input = fields
	maps.Copy(child.InputParameters, params)
	return entityResponse(s.pc.svc.run(ctx, child))
}

// Delete runs a nested delete in this operation's unit of work.
func (s *ServiceContext) Delete(ctx context.Context, table string, id record.Value) Response[*record.Record] {
	child := s.pc.newChild(KindDelete, table)
	child.ID = id
	return entityResponse(s.pc.svc.run(ctx, child))
}

// BulkServiceContext spans every operation of one bulk call.
type BulkServiceContext struct {
	tree             *Tree
	UserID           string
	InputParameters  map[string]any
	OutputParameters map[string]any
}

// Contexts returns every ServiceContext created by the call, nested ones
// included, in creation order.
func (b *BulkServiceContext) Contexts() []*ServiceContext {
	out := make([]*ServiceContext, len(b.tree.nodes))
	for i, pc := range b.tree.nodes {
		out[i] = pc.service
	}
	return out
}

// Entities returns every record registered by the call's operations.
func (b *BulkServiceContext) Entities() []*record.Record {
	return append([]*record.Record(nil), b.tree.entities...)
}

func (b *BulkServiceContext) Tracker() *DeleteTracker { return b.tree.tracker }
