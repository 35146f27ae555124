// Package instrument records spans around engine operations.
package instrument

import "context"

// Span is one timed unit of work.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
}

type instrumenterKey struct{}
type spanKey struct{}

// WithInstrumenter attaches in to ctx.
func WithInstrumenter(ctx context.Context, in Instrumenter) context.Context {
	return context.WithValue(ctx, instrumenterKey{}, in)
}

// GetInstrumenter returns the instrumenter attached to ctx, or a no-op one.
func GetInstrumenter(ctx context.Context) Instrumenter {
	if in, ok := ctx.Value(instrumenterKey{}).(Instrumenter); ok && in != nil {
		return in
	}
	return &NoopInstrumenter{}
}

func spanFromContext(ctx context.Context) Span {
	s, _ := ctx.Value(spanKey{}).(Span)
	return s
}
