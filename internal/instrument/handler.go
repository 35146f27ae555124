package instrument

import (
	"github.com/gofiber/fiber/v2"
)

const TraceHeader = "X-Trace-Id"

// Middleware attaches a Tracer to every request's user context and echoes
// the trace id in the response. An incoming X-Trace-Id is reused.
func Middleware(buffer *EventBuffer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tracer := NewTracer(buffer, c.Get(TraceHeader))
		ctx, span := tracer.StartSpan(WithInstrumenter(c.UserContext(), tracer), "http", "server", "http.request")
		c.SetUserContext(ctx)
		c.Set(TraceHeader, span.TraceID())

		err := c.Next()
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		if err != nil {
			span.SetStatus("error")
		} else {
			span.SetMetadata("status_code", c.Response().StatusCode())
		}
		span.End()
		return err
	}
}
