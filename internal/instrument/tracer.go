package instrument

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracer is a per-request Instrumenter that sends finished spans to an
// EventBuffer. All spans share the tracer's trace id.
type Tracer struct {
	buffer  *EventBuffer
	traceID string
}

func NewTracer(buffer *EventBuffer, traceID string) *Tracer {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return &Tracer{buffer: buffer, traceID: traceID}
}

func (t *Tracer) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	s := &span{
		tracer: t,
		start:  time.Now(),
		event: Event{
			TraceID:   t.traceID,
			SpanID:    uuid.NewString(),
			Source:    source,
			Component: component,
			Action:    action,
			Status:    "ok",
		},
	}
	if parent := spanFromContext(ctx); parent != nil {
		s.event.ParentSpanID = parent.SpanID()
	}
	return context.WithValue(ctx, spanKey{}, Span(s)), s
}

type span struct {
	mu     sync.Mutex
	tracer *Tracer
	start  time.Time
	event  Event
	ended  bool
}

func (s *span) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.event.DurationMs = float64(time.Since(s.start).Microseconds()) / 1000
	e := s.event
	s.mu.Unlock()

	if s.tracer.buffer != nil {
		s.tracer.buffer.Enqueue(e)
	}
}

func (s *span) SetStatus(status string) {
	s.mu.Lock()
	s.event.Status = status
	s.mu.Unlock()
}

func (s *span) SetMetadata(key string, value any) {
	s.mu.Lock()
	if s.event.Metadata == nil {
		s.event.Metadata = map[string]any{}
	}
	s.event.Metadata[key] = value
	s.mu.Unlock()
}

func (s *span) SetEntity(entity, recordID string) {
	s.mu.Lock()
	s.event.Entity = entity
	s.event.RecordID = recordID
	s.mu.Unlock()
}

func (s *span) TraceID() string { return s.event.TraceID }
func (s *span) SpanID() string  { return s.event.SpanID }
