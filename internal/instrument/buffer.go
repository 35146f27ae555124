package instrument

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a finished span.
type Event struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Source       string
	Component    string
	Action       string
	Entity       string
	RecordID     string
	DurationMs   float64
	Status       string
	Metadata     map[string]any
}

// EventBuffer collects events in memory and periodically flushes them
// to a zap logger in one batch.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	log     *zap.Logger
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	stop    sync.Once
}

// NewEventBuffer creates a buffer that flushes on a timer or when full.
// A zero interval disables the timer; callers then Flush explicitly.
func NewEventBuffer(logger *zap.Logger, maxSize int, interval time.Duration) *EventBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	eb := &EventBuffer{
		log:     logger.Named("trace"),
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	if interval > 0 {
		eb.ticker = time.NewTicker(interval)
		go eb.run()
	}
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds an event to the buffer. If the buffer is full, a flush
// is triggered asynchronously.
func (eb *EventBuffer) Enqueue(event Event) {
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	shouldFlush := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Len returns the number of events waiting to be flushed.
func (eb *EventBuffer) Len() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.events)
}

// Flush writes all buffered events and returns how many were written.
func (eb *EventBuffer) Flush() int {
	eb.mu.Lock()
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()

	for _, e := range batch {
		fields := []zap.Field{
			zap.String("trace_id", e.TraceID),
			zap.String("span_id", e.SpanID),
			zap.String("source", e.Source),
			zap.String("component", e.Component),
			zap.String("status", e.Status),
			zap.Float64("duration_ms", e.DurationMs),
		}
		if e.ParentSpanID != "" {
			fields = append(fields, zap.String("parent_span_id", e.ParentSpanID))
		}
		if e.Entity != "" {
			fields = append(fields, zap.String("entity", e.Entity))
		}
		if e.RecordID != "" {
			fields = append(fields, zap.String("record_id", e.RecordID))
		}
		if len(e.Metadata) > 0 {
			fields = append(fields, zap.Any("metadata", e.Metadata))
		}
		eb.log.Info(e.Action, fields...)
	}
	return len(batch)
}

// Stop halts the background ticker and flushes remaining events.
func (eb *EventBuffer) Stop() {
	eb.stop.Do(func() {
		if eb.ticker != nil {
			eb.ticker.Stop()
		}
		close(eb.done)
		eb.Flush()
	})
}
