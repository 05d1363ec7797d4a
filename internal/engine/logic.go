package engine

import (
	"context"
	"sync"

	"rocket-dataservice/internal/metadata"
)

// LogicStage is a hook invocation point.
type LogicStage int

const (
	PreValidation LogicStage = iota
	PreOperation
	PostOperation
)

func (s LogicStage) String() string {
	switch s {
	case PreValidation:
		return "PreValidation"
	case PreOperation:
		return "PreOperation"
	case PostOperation:
		return "PostOperation"
	}
	return "Unknown"
}

// ServiceLogic is user business logic run at a LogicStage. A non-nil error
// fails the operation; an *AppError keeps its code.
type ServiceLogic interface {
	Execute(ctx context.Context, sc *ServiceContext) error
}

type LogicFunc func(ctx context.Context, sc *ServiceContext) error

func (f LogicFunc) Execute(ctx context.Context, sc *ServiceContext) error { return f(ctx, sc) }

// BulkLogic runs once per bulk call after every item succeeded, before the
// call commits.
type BulkLogic interface {
	Execute(ctx context.Context, b *BulkServiceContext) error
}

type BulkLogicFunc func(ctx context.Context, b *BulkServiceContext) error

func (f BulkLogicFunc) Execute(ctx context.Context, b *BulkServiceContext) error { return f(ctx, b) }

// AnyTable registers logic for every table.
const AnyTable = "*"

type logicEntry struct {
	table string
	op    metadata.Operation
	stage LogicStage
	logic ServiceLogic
}

// LogicRegistry holds hooks keyed by (table, operation, stage). Hooks run
// in registration order.
type LogicRegistry struct {
	mu      sync.RWMutex
	entries []logicEntry
	bulk    []BulkLogic
}

func NewLogicRegistry() *LogicRegistry {
	return &LogicRegistry{}
}

// Register adds a hook. An empty op matches every operation.
func (r *LogicRegistry) Register(table string, op metadata.Operation, stage LogicStage, l ServiceLogic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logicEntry{table: table, op: op, stage: stage, logic: l})
}

func (r *LogicRegistry) RegisterFunc(table string, op metadata.Operation, stage LogicStage, fn func(ctx context.Context, sc *ServiceContext) error) {
	r.Register(table, op, stage, LogicFunc(fn))
}

func (r *LogicRegistry) RegisterBulk(l BulkLogic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulk = append(r.bulk, l)
}

// For returns the hooks matching an operation at a stage.
func (r *LogicRegistry) For(table string, op metadata.Operation, stage LogicStage) []ServiceLogic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServiceLogic
	for _, e := range r.entries {
		if e.stage != stage {
			continue
		}
		if e.table != AnyTable && e.table != table {
			continue
		}
		if e.op != "" && e.op != op {
			continue
		}
		out = append(out, e.logic)
	}
	return out
}

func (r *LogicRegistry) Bulk() []BulkLogic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]BulkLogic(nil), r.bulk...)
}
