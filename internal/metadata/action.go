package metadata

import (
	"context"

	"github.com/iancoleman/strcase"
)

// ErrorDetail is a single field-level failure.
type ErrorDetail struct {
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
	Validation string `json:"validation,omitempty"`
	Status     int    `json:"status,omitempty"`
}

type OutcomeKind string

const (
	OutcomeHTML             OutcomeKind = "html"
	OutcomePush             OutcomeKind = "push"
	OutcomeNotification     OutcomeKind = "notification"
	OutcomeValidationErrors OutcomeKind = "validation-errors"
)

// Outcome is the tagged result of an action. Exactly the fields relevant to
// Kind are set.
type Outcome struct {
	Kind    OutcomeKind   `json:"type"`
	Status  int           `json:"status"`
	HTML    string        `json:"html,omitempty"`
	Path    string        `json:"route,omitempty"`
	Message string        `json:"message,omitempty"`
	Variant string        `json:"variant,omitempty"`
	Errors  []ErrorDetail `json:"errors,omitempty"`
}

func HTML(status int, html string) Outcome {
	return Outcome{Kind: OutcomeHTML, Status: status, HTML: html}
}

func Push(path string, status int) Outcome {
	return Outcome{Kind: OutcomePush, Status: status, Path: path}
}

// Notify builds a notification outcome. variant is one of info, success, warning, error.
func Notify(message, variant string) Outcome {
	if variant == "" {
		variant = "info"
	}
	return Outcome{Kind: OutcomeNotification, Status: 200, Message: message, Variant: variant}
}

func ValidationErrors(status int, errs []ErrorDetail) Outcome {
	return Outcome{Kind: OutcomeValidationErrors, Status: status, Errors: errs}
}

// Helpers gives action handlers access to the resource the action runs on.
type Helpers interface {
	FindOneByID(ctx context.Context, id any) (map[string]any, error)
	Update(ctx context.Context, id any, payload map[string]any) (map[string]any, error)
}

type ActionInput struct {
	Resource  *Resource
	Principal *Principal
	Records   []map[string]any
	Payload   map[string]any
	Helpers   Helpers
}

type ActionHandler func(ctx context.Context, in *ActionInput) (Outcome, error)

// Action is a named custom operation on a resource.
type Action struct {
	Name    string        `json:"name"`
	Slug    string        `json:"slug"`
	Fields  []*Field      `json:"fields,omitempty"`
	Handler ActionHandler `json:"-"`
}

// NewAction builds an action with a slug derived from name.
func NewAction(name string, handler ActionHandler, fields ...*Field) *Action {
	a := &Action{Name: name, Slug: strcase.ToKebab(name), Fields: fields, Handler: handler}
	for _, f := range a.Fields {
		f.normalize()
	}
	return a
}
