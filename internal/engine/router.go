package engine

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func RegisterResourceRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	api := app.Group("/api", middleware...)

	api.Get("/_resources", h.Resources)
	api.Get("/:resource", h.List)
	api.Get("/:resource/:id", h.Get)
	api.Get("/:resource/:id/:related", h.Related)
	api.Post("/:resource", h.Create)
	api.Post("/:resource/actions/:action", h.RunAction)
	api.Patch("/:resource/:id", h.Update)
	api.Delete("/:resource/:id", h.Delete)
}

// ErrorHandler renders AppErrors with their status and everything else as a 500.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx, err error) error {
		var appErr *AppError
		if errors.As(err, &appErr) {
			status := appErr.Status
			if status == 0 {
				status = fiber.StatusBadRequest
			}
			return c.Status(status).JSON(ErrorResponse{Error: appErr})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(ErrorResponse{
				Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
			})
		}

		logger.Error("request failed", zap.String("method", c.Method()), zap.String("path", c.Path()), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
		})
	}
}
