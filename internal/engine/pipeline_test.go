package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/repository"
)

func TestDefaultBuilder_Chains(t *testing.T) {
	pipelines, err := DefaultBuilder().Build()
	require.NoError(t, err)
	require.Len(t, pipelines, len(allKinds))

	want := []string{
		StagePreValidation, StageProtectSystemRecords, LogicStageName(PreValidation),
		StageDefaultOwnership, StageValidateNonNullable, StageAddEntityToEntities,
		StagePermissionRules, StageUIServices, LogicStageName(PreOperation),
		StageEntityCreate, LogicStageName(PostOperation), StageResultEntity,
	}
	if diff := cmp.Diff(want, pipelines[KindCreate].StageNames()); diff != "" {
		t.Fatalf("create chain mismatch (-want +got):\n%s", diff)
	}

	want = []string{
		StagePreValidation, StagePermissions, LogicStageName(PreValidation),
		LogicStageName(PreOperation), StageEntityRead, LogicStageName(PostOperation), StageResultReadOutput,
	}
	if diff := cmp.Diff(want, pipelines[KindRead].StageNames()); diff != "" {
		t.Fatalf("read chain mismatch (-want +got):\n%s", diff)
	}

	storage := []string{StageEntityCreate, StageEntityUpdate, StageEntityDelete, StageEntityRead}
	for _, kind := range []Kind{KindCreateProxy, KindUpdateProxy, KindDeleteProxy, KindReadProxy} {
		for _, name := range pipelines[kind].StageNames() {
			assert.NotContains(t, storage, name, "%s must not touch storage", kind)
		}
	}
}

func TestBuilder_RejectsInvalidChains(t *testing.T) {
	noop := func(context.Context, *PipelineContext) Response[any] { return pass() }
	validate := NewStage("v", RoleValidate, noop)
	perm := NewStage("p", RolePermission, noop)
	store := NewStage("s", RoleStorage, noop)
	result := NewStage("r", RoleResult, noop)
	step := NewStage("x", RoleStep, noop)

	tests := []struct {
		name   string
		kind   Kind
		stages []Stage
		err    string
	}{
		{"validation first", KindCreate, []Stage{step, validate, perm, store, result}, "is not a validation stage"},
		{"result last", KindCreate, []Stage{validate, perm, store}, "is not a result stage"},
		{"storage before permission", KindCreate, []Stage{validate, store, perm, result}, "before any permission check"},
		{"no permission", KindCreateProxy, []Stage{validate, step, result}, "no permission stage"},
		{"proxy storage", KindUpdateProxy, []Stage{validate, perm, store, result}, "must not touch storage"},
		{"missing storage", KindDelete, []Stage{validate, perm, result}, "expected one storage stage"},
		{"duplicate", KindRead, []Stage{validate, perm, perm, store, result}, "duplicate stage p"},
		{"empty", KindRead, nil, "no stages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, validateChain(tt.kind, tt.stages), tt.err)
		})
	}

	_, err := NewBuilder().Add(KindCreate, validate, perm, store, result).Build()
	assert.ErrorContains(t, err, "pipeline Read: no stages")
}

func TestPipeline_StopsAtFirstFailure(t *testing.T) {
	var stored, after int
	noop := func(context.Context, *PipelineContext) Response[any] { return pass() }
	b := NewBuilder()
	for _, kind := range allKinds {
		chain := []Stage{
			NewStage(StagePreValidation, RoleValidate, preValidate),
			NewStage("Reject", RoleStep, func(context.Context, *PipelineContext) Response[any] {
				return Fail[any](BusinessLogicError("closed for maintenance"))
			}),
			NewStage("Gate", RolePermission, noop),
		}
		if !kind.Proxy() {
			chain = append(chain, NewStage("Store", RoleStorage, func(context.Context, *PipelineContext) Response[any] {
				stored++
				return pass()
			}))
		}
		chain = append(chain, NewStage("After", RoleResult, func(context.Context, *PipelineContext) Response[any] {
			after++
			return pass()
		}))
		b.Add(kind, chain...)
	}

	reg := testRegistry(t)
	repo := newSpyRepo(reg)
	svc, err := NewService(reg, repo, testResolver(), nil, zap.NewNop(), Options{Builder: b, Clock: func() time.Time { return testNow }})
	require.NoError(t, err)

	resp := svc.Create(context.Background(), "u1", WriteRequest{Table: "Widget", Fields: fields(t, map[string]any{"Name": "x"})})
	require.False(t, resp.Succeeded)
	assert.Equal(t, "Reject", resp.FailedStage)
	assert.Equal(t, "closed for maintenance", resp.FriendlyMessage)
	assert.Zero(t, stored)
	assert.Zero(t, after)
	assert.Zero(t, repo.count("Insert", "Widget"))
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindCreateProxy, ProxyOf(metadata.OpCreate))
	assert.Equal(t, KindUpdateProxy, ProxyOf(metadata.OpUpdate))
	assert.Equal(t, KindDeleteProxy, ProxyOf(metadata.OpDelete))
	assert.Equal(t, KindReadProxy, ProxyOf(metadata.OpRead))
	for _, kind := range allKinds {
		assert.Equal(t, kind.Operation(), ProxyOf(kind.Operation()).Operation())
	}
	assert.True(t, KindReadProxy.Proxy())
	assert.False(t, KindRead.Proxy())
}

func TestPageCount(t *testing.T) {
	tests := []struct {
		total int
		max   *int
		want  int
	}{
		{0, repository.Limit(10), 0},
		{0, nil, 0},
		{7, nil, 1},
		{7, repository.Limit(0), 1},
		{10, repository.Limit(10), 1},
		{11, repository.Limit(10), 2},
		{3, repository.Limit(1), 3},
	}
	for _, tt := range tests {
		if got := pageCount(tt.total, tt.max); got != tt.want {
			t.Fatalf("pageCount(%d, %v) = %d, want %d", tt.total, tt.max, got, tt.want)
		}
	}
}
