package instrument

import "context"

// discard is the instrumenter of a context that has none. Its spans record
// nothing but still report the request's trace id, so pipeline logs stay
// correlated when instrumentation is switched off.
type discard struct{}

func (discard) StartSpan(ctx context.Context, _, _, _ string) (context.Context, Span) {
	return ctx, discardSpan{traceID: GetTraceID(ctx)}
}

func (discard) EmitBusinessEvent(context.Context, string, string, string, map[string]any) {}

type discardSpan struct {
	traceID string
}

func (discardSpan) End()                     {}
func (discardSpan) SetStatus(string)         {}
func (discardSpan) SetMetadata(string, any)  {}
func (discardSpan) SetEntity(string, string) {}
func (s discardSpan) TraceID() string        { return s.traceID }
func (discardSpan) SpanID() string           { return "" }
