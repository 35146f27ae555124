package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/iancoleman/strcase"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var programs sync.Map // expression source -> *vm.Program

// CompileExpression compiles a boolean expr-lang rule. Programs are cached by source.
func CompileExpression(expression string) (*vm.Program, error) {
	if p, ok := programs.Load(expression); ok {
		return p.(*vm.Program), nil
	}
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	programs.Store(expression, prog)
	return prog, nil
}

// evaluateExpression runs an "expr:" rule. The expression must evaluate to
// true for the value to be valid; it sees value and payload.
func evaluateExpression(expression string, value any, payload map[string]any) (bool, error) {
	prog, err := CompileExpression(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, map[string]any{"value": value, "payload": payload})
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// checkRule runs one named rule against a payload value. It returns a
// detail when the rule fails and an error when the rule cannot be run.
func (v *Validator) checkRule(ctx context.Context, f *metadata.Field, rule string, value any, present bool, payload map[string]any) (*metadata.ErrorDetail, error) {
	name, arg := metadata.ParseRule(rule)
	label := fieldLabel(f)
	fail := func(msg string) *metadata.ErrorDetail {
		return &metadata.ErrorDetail{Field: f.InputName, Message: msg, Validation: name}
	}

	if name == "required" {
		if isBlank(value) {
			return fail(fmt.Sprintf("The %s field is required.", label)), nil
		}
		return nil, nil
	}
	if name == "unique" {
		return nil, nil // storage lookup, checked in the second stage
	}

	if custom := v.registry.Rule(name); custom != nil {
		if !present {
			return nil, nil
		}
		if err := custom(ctx, value, arg, payload); err != nil {
			return fail(err.Error()), nil
		}
		return nil, nil
	}

	// Remaining built-ins only apply to supplied values.
	if value == nil {
		switch name {
		case "email", "min", "max", "in", "expr":
			return nil, nil
		}
	}

	switch name {
	case "email":
		s, ok := value.(string)
		if !ok || !emailPattern.MatchString(s) {
			return fail(fmt.Sprintf("The %s must be a valid email address.", label)), nil
		}
	case "min", "max":
		limit, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("rule %s on %s: invalid argument %q", name, f.InputName, arg)
		}
		size, unit, ok := measure(value)
		if !ok {
			return nil, nil
		}
		if name == "min" && size < limit {
			return fail(fmt.Sprintf("The %s must be at least %s%s.", label, arg, unit)), nil
		}
		if name == "max" && size > limit {
			return fail(fmt.Sprintf("The %s may not be greater than %s%s.", label, arg, unit)), nil
		}
	case "in":
		if !containsString(splitAndTrim(arg), fmt.Sprint(value)) {
			return fail(fmt.Sprintf("The selected %s is invalid.", label)), nil
		}
	case "expr":
		ok, err := evaluateExpression(arg, value, payload)
		if err != nil {
			return nil, fmt.Errorf("rule expr on %s: %w", f.InputName, err)
		}
		if !ok {
			return fail(fmt.Sprintf("The %s is invalid.", label)), nil
		}
	default:
		return nil, fmt.Errorf("unknown validation rule %q on %s", name, f.InputName)
	}
	return nil, nil
}

// checkType enforces the implicit rule carried by the field type.
func (v *Validator) checkType(f *metadata.Field, value any) *metadata.ErrorDetail {
	if value == nil {
		return nil
	}
	label := fieldLabel(f)
	fail := func(validation, msg string) *metadata.ErrorDetail {
		return &metadata.ErrorDetail{Field: f.InputName, Message: msg, Validation: validation}
	}

	switch f.Type {
	case metadata.TypeText, metadata.TypeTextarea:
		if _, ok := value.(string); !ok {
			return fail("string", fmt.Sprintf("The %s must be a string.", label))
		}
	case metadata.TypeInteger:
		if _, ok := toInt(value); !ok {
			return fail("integer", fmt.Sprintf("The %s must be an integer.", label))
		}
	case metadata.TypeDecimal:
		if _, ok := toFloat64(value); !ok {
			return fail("number", fmt.Sprintf("The %s must be a number.", label))
		}
	case metadata.TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fail("boolean", fmt.Sprintf("The %s field must be true or false.", label))
		}
	case metadata.TypeDate, metadata.TypeDateTime:
		if !isDate(value) {
			return fail("date", fmt.Sprintf("The %s is not a valid date.", label))
		}
	case metadata.TypeSelect:
		if len(f.Options) > 0 && !containsString(f.Options, fmt.Sprint(value)) {
			return fail("in", fmt.Sprintf("The selected %s is invalid.", label))
		}
	case metadata.TypeBelongsTo:
		related := v.registry.Resource(f.RelatedResource)
		if _, err := related.NormalizeID(value); err != nil {
			return fail("id", fmt.Sprintf("The %s must be a valid id.", label))
		}
	case metadata.TypeHasMany, metadata.TypeBelongsToMany:
		related := v.registry.Resource(f.RelatedResource)
		list, ok := idList(value)
		if !ok {
			return fail("array", fmt.Sprintf("The %s must be an array of ids.", label))
		}
		for _, id := range list {
			if _, err := related.NormalizeID(id); err != nil {
				return fail("id", fmt.Sprintf("The %s must be an array of ids.", label))
			}
		}
	}
	return nil
}

func fieldLabel(f *metadata.Field) string {
	return strings.ToLower(strcase.ToDelimited(f.Name, ' '))
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

// measure returns the size compared by min/max: string length, list length
// or the number itself.
func measure(v any) (float64, string, bool) {
	switch t := v.(type) {
	case string:
		return float64(utf8.RuneCountInString(t)), " characters", true
	case []any:
		return float64(len(t)), " items", true
	}
	n, ok := toFloat64(v)
	return n, "", ok
}

func isDate(v any) bool {
	switch t := v.(type) {
	case time.Time:
		return true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
			if _, err := time.Parse(layout, t); err == nil {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// toFloat64 converts numeric types to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// toInt accepts integral numbers of any width.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case float32:
		if n == float32(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
