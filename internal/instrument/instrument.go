package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Context keys
type ctxKey int

const (
	traceIDKey ctxKey = iota
	parentSpanIDKey
	instrumenterKey
	userIDKey
)

// Instrumenter interface defines the tracing API.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span interface represents a timed operation span.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// Context helpers

// WithTraceID sets the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// EnsureTraceID starts a trace unless the context already carries one.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, uuid.NewString())
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithParentSpanID sets the parent span ID in the context.
func WithParentSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, parentSpanIDKey, spanID)
}

func getParentSpanID(ctx context.Context) string {
	if v, ok := ctx.Value(parentSpanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithInstrumenter sets the instrumenter in the context.
func WithInstrumenter(ctx context.Context, inst Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey, inst)
}

// GetInstrumenter returns the instrumenter from the context, or one that
// discards spans and events if none is set.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if v, ok := ctx.Value(instrumenterKey).(Instrumenter); ok {
		return v
	}
	return discard{}
}

// WithUserID sets the user ID in the context for instrumentation.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func getUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// InstrumenterImpl logs finished spans and business events through zap and
// records span counts and durations as otel metrics.
type InstrumenterImpl struct {
	logger   *zap.Logger
	spans    metric.Int64Counter
	duration metric.Float64Histogram
	events   metric.Int64Counter
}

// NewInstrumenter uses the global otel meter provider.
func NewInstrumenter(logger *zap.Logger) (*InstrumenterImpl, error) {
	meter := otel.Meter("rocket-dataservice")
	spans, err := meter.Int64Counter("dataservice.spans",
		metric.WithDescription("Finished spans by source, component, action and status"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("dataservice.span.duration",
		metric.WithDescription("Span duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("dataservice.business_events",
		metric.WithDescription("Business events by action and entity"))
	if err != nil {
		return nil, err
	}
	return &InstrumenterImpl{logger: logger, spans: spans, duration: duration, events: events}, nil
}

// StartSpan creates a new span and returns the updated context.
func (i *InstrumenterImpl) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	spanID := uuid.NewString()
	span := &SpanImpl{
		inst:         i,
		ctx:          ctx,
		traceID:      GetTraceID(ctx),
		spanID:       spanID,
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		userID:       getUserID(ctx),
		startTime:    time.Now(),
	}

	// Update context so child spans reference this span as parent
	ctx = WithParentSpanID(ctx, spanID)
	return ctx, span
}

// EmitBusinessEvent emits a one-shot business event (no duration tracking).
func (i *InstrumenterImpl) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	i.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("entity", entity),
	))
	i.logger.Info("business event",
		zap.String("trace_id", GetTraceID(ctx)),
		zap.String("parent_span_id", getParentSpanID(ctx)),
		zap.String("user_id", getUserID(ctx)),
		zap.String("action", action),
		zap.String("entity", entity),
		zap.String("record_id", recordID),
		zap.Any("metadata", metadata),
	)
}

// SpanImpl implements the Span interface with timing and metadata.
type SpanImpl struct {
	inst         *InstrumenterImpl
	ctx          context.Context
	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	entity       string
	recordID     string
	userID       string
	status       string
	startTime    time.Time
	metadata     map[string]any
	mu           sync.Mutex
	ended        bool
}

func (s *SpanImpl) TraceID() string { return s.traceID }
func (s *SpanImpl) SpanID() string  { return s.spanID }

func (s *SpanImpl) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *SpanImpl) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
}

func (s *SpanImpl) SetEntity(entity, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = entity
	if recordID != "" {
		s.recordID = recordID
	}
}

// End is idempotent.
func (s *SpanImpl) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	durationMs := float64(time.Since(s.startTime).Microseconds()) / 1000.0
	status := s.status
	if status == "" {
		status = "ok"
	}

	attrs := metric.WithAttributes(
		attribute.String("source", s.source),
		attribute.String("component", s.component),
		attribute.String("action", s.action),
		attribute.String("status", status),
	)
	s.inst.spans.Add(s.ctx, 1, attrs)
	s.inst.duration.Record(s.ctx, durationMs, attrs)

	fields := []zap.Field{
		zap.String("trace_id", s.traceID),
		zap.String("span_id", s.spanID),
		zap.String("source", s.source),
		zap.String("component", s.component),
		zap.String("action", s.action),
		zap.String("status", status),
		zap.Float64("duration_ms", durationMs),
	}
	if s.parentSpanID != "" {
		fields = append(fields, zap.String("parent_span_id", s.parentSpanID))
	}
	if s.entity != "" {
		fields = append(fields, zap.String("entity", s.entity))
	}
	if s.recordID != "" {
		fields = append(fields, zap.String("record_id", s.recordID))
	}
	if s.userID != "" {
		fields = append(fields, zap.String("user_id", s.userID))
	}
	if len(s.metadata) > 0 {
		fields = append(fields, zap.Any("metadata", s.metadata))
	}
	s.inst.logger.Debug("span", fields...)
}
