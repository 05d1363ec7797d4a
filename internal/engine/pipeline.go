package engine

import (
	"context"
	"errors"
	"fmt"

	"rocket-dataservice/internal/instrument"
	"rocket-dataservice/internal/metadata"
)

// Kind selects a stage chain.
type Kind string

const (
	KindCreate      Kind = "Create"
	KindRead        Kind = "Read"
	KindUpdate      Kind = "Update"
	KindDelete      Kind = "Delete"
	KindCreateProxy Kind = "CreateProxy"
	KindReadProxy   Kind = "ReadProxy"
	KindUpdateProxy Kind = "UpdateProxy"
	KindDeleteProxy Kind = "DeleteProxy"
)

var allKinds = []Kind{
	KindCreate, KindRead, KindUpdate, KindDelete,
	KindCreateProxy, KindReadProxy, KindUpdateProxy, KindDeleteProxy,
}

// Proxy reports whether the chain runs without touching storage.
func (k Kind) Proxy() bool {
	switch k {
	case KindCreateProxy, KindReadProxy, KindUpdateProxy, KindDeleteProxy:
		return true
	}
	return false
}

func (k Kind) Operation() metadata.Operation {
	switch k {
	case KindCreate, KindCreateProxy:
		return metadata.OpCreate
	case KindUpdate, KindUpdateProxy:
		return metadata.OpUpdate
	case KindDelete, KindDeleteProxy:
		return metadata.OpDelete
	}
	return metadata.OpRead
}

// ProxyOf returns the proxy chain for an operation.
func ProxyOf(op metadata.Operation) Kind {
	switch op {
	case metadata.OpCreate:
		return KindCreateProxy
	case metadata.OpUpdate:
		return KindUpdateProxy
	case metadata.OpDelete:
		return KindDeleteProxy
	}
	return KindReadProxy
}

// Role classifies a stage for chain validation.
type Role uint8

const (
	RoleStep Role = iota
	RoleValidate
	RolePermission
	RoleLogic
	RoleStorage
	RoleResult
)

// Stage is one step of a pipeline. A failed response stops the chain.
type Stage interface {
	Name() string
	Role() Role
	Execute(ctx context.Context, pc *PipelineContext) Response[any]
}

type funcStage struct {
	name string
	role Role
	fn   func(ctx context.Context, pc *PipelineContext) Response[any]
}

// NewStage adapts a function to a Stage.
func NewStage(name string, role Role, fn func(ctx context.Context, pc *PipelineContext) Response[any]) Stage {
	return &funcStage{name: name, role: role, fn: fn}
}

func (s *funcStage) Name() string { return s.name }
func (s *funcStage) Role() Role   { return s.role }

func (s *funcStage) Execute(ctx context.Context, pc *PipelineContext) Response[any] {
	return s.fn(ctx, pc)
}

// Pipeline is an immutable, validated stage chain.
type Pipeline struct {
	kind   Kind
	stages []Stage
}

func (p *Pipeline) Kind() Kind { return p.kind }

// StageNames lists the chain in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes the stages in order and returns the last response. It stops
// at the first failure and records the failing stage.
func (p *Pipeline) Run(ctx context.Context, pc *PipelineContext) Response[any] {
	inst := instrument.GetInstrumenter(ctx)
	var resp Response[any]
	for _, s := range p.stages {
		sctx, span := inst.StartSpan(ctx, "pipeline", string(p.kind), s.Name())
		span.SetEntity(pc.Table, pc.idText())
		resp = s.Execute(sctx, pc)
		if !resp.Succeeded {
			span.SetStatus("error")
			span.SetMetadata("code", resp.Code)
			span.End()
			if resp.FailedStage == "" {
				resp.FailedStage = s.Name()
			}
			return resp
		}
		span.End()
	}
	return resp
}

// Builder assembles one chain per Kind.
type Builder struct {
	chains map[Kind][]Stage
}

func NewBuilder() *Builder {
	return &Builder{chains: make(map[Kind][]Stage)}
}

// Add appends stages to a chain.
func (b *Builder) Add(kind Kind, stages ...Stage) *Builder {
	b.chains[kind] = append(b.chains[kind], stages...)
	return b
}

// Build validates every chain and freezes it.
func (b *Builder) Build() (map[Kind]*Pipeline, error) {
	out := make(map[Kind]*Pipeline, len(b.chains))
	var errs []error
	for _, kind := range allKinds {
		stages, ok := b.chains[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("pipeline %s: no stages", kind))
			continue
		}
		if err := validateChain(kind, stages); err != nil {
			errs = append(errs, err)
			continue
		}
		out[kind] = &Pipeline{kind: kind, stages: append([]Stage(nil), stages...)}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// validateChain requires validation first, a result stage last, a
// permission stage before any storage stage, exactly one storage stage in
// a real chain and none in a proxy chain.
func validateChain(kind Kind, stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("pipeline %s: no stages", kind)
	}
	if stages[0].Role() != RoleValidate {
		return fmt.Errorf("pipeline %s: first stage %s is not a validation stage", kind, stages[0].Name())
	}
	if last := stages[len(stages)-1]; last.Role() != RoleResult {
		return fmt.Errorf("pipeline %s: last stage %s is not a result stage", kind, last.Name())
	}

	permitted := false
	storage := 0
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if seen[s.Name()] {
			return fmt.Errorf("pipeline %s: duplicate stage %s", kind, s.Name())
		}
		seen[s.Name()] = true
		switch s.Role() {
		case RolePermission:
			permitted = true
		case RoleStorage:
			if !permitted {
				return fmt.Errorf("pipeline %s: storage stage %s runs before any permission check", kind, s.Name())
			}
			storage++
		}
	}
	if !permitted {
		return fmt.Errorf("pipeline %s: no permission stage", kind)
	}
	switch {
	case kind.Proxy() && storage > 0:
		return fmt.Errorf("pipeline %s: proxy chain must not touch storage", kind)
	case !kind.Proxy() && storage != 1:
		return fmt.Errorf("pipeline %s: expected one storage stage, got %d", kind, storage)
	}
	return nil
}
