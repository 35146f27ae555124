package engine

import (
	"fmt"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

type AppError struct {
	Code    string                 `json:"code"`
	Status  int                    `json:"-"`
	Message string                 `json:"message"`
	Details []metadata.ErrorDetail `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(resource string, id any) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Could not find %s with id %v.", resource, id),
	}
}

func UnknownResourceError(name string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Unknown resource: %s", name),
	}
}

func ValidationError(details []metadata.ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed.",
		Details: details,
	}
}

func InvalidFieldError(resource, field string) *AppError {
	return &AppError{
		Code:    "INVALID_FIELD",
		Status:  400,
		Message: fmt.Sprintf("The field %s does not exist on resource %s.", field, resource),
		Details: []metadata.ErrorDetail{{Field: field, Message: "Unknown field.", Status: 400}},
	}
}

func RelationNotFoundError(resource, related string) *AppError {
	return &AppError{
		Code:    "RELATION_NOT_FOUND",
		Status:  400,
		Message: fmt.Sprintf("The relationship between %s and %s cannot be found.", resource, related),
	}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ActionNotFoundError(resource, action string) *AppError {
	return &AppError{
		Code:    "ACTION_NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("Action %s is not defined on %s resource.", action, resource),
	}
}

func ConflictError(msg string) *AppError {
	return &AppError{Code: "CONFLICT", Status: 409, Message: msg}
}

func BadRequestError(msg string) *AppError {
	return &AppError{Code: "INVALID_PAYLOAD", Status: 400, Message: msg}
}
