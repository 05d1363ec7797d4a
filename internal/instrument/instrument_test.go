package instrument

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSpan_LogsOnceWithParent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	inst, err := NewInstrumenter(zap.New(core))
	require.NoError(t, err)

	ctx := WithUserID(EnsureTraceID(context.Background()), "u1")
	ctx, parent := inst.StartSpan(ctx, "pipeline", "Create", "PreValidation")
	_, child := inst.StartSpan(ctx, "pipeline", "Create", "EntityCreate")
	child.SetEntity("Widget", "w1")
	child.SetStatus("error")
	child.End()
	child.End()
	parent.End()

	entries := logs.FilterMessage("span").All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "EntityCreate", first["action"])
	assert.Equal(t, "error", first["status"])
	assert.Equal(t, parent.SpanID(), first["parent_span_id"])
	assert.Equal(t, "Widget", first["entity"])
	assert.Equal(t, "u1", first["user_id"])
	assert.Equal(t, parent.TraceID(), child.TraceID())
	assert.NotEmpty(t, parent.TraceID())

	second := entries[1].ContextMap()
	assert.Equal(t, "ok", second["status"])
}

func TestGetInstrumenter_DiscardsWithoutOne(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	inst := GetInstrumenter(ctx)
	assert.IsType(t, discard{}, inst)

	sctx, span := inst.StartSpan(ctx, "pipeline", "Create", "permissions")
	span.SetEntity("Widget", "w1")
	span.End()
	assert.Equal(t, "trace-1", span.TraceID(), "trace id survives without instrumentation")
	assert.Empty(t, span.SpanID())
	assert.Equal(t, ctx, sctx)
}

func TestEmitBusinessEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	inst, err := NewInstrumenter(zap.New(core))
	require.NoError(t, err)

	inst.EmitBusinessEvent(context.Background(), "bulk.commit", "Widget", "", map[string]any{"items": 3})
	require.Equal(t, 1, logs.FilterMessage("business event").Len())
}
