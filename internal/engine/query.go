package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

// Condition is one filter triple. Field is an input name (or the primary key).
type Condition struct {
	Field    string
	Operator string
	Value    any
}

// Expression composes conditions. Exactly one of And, Or or Condition is set.
type Expression struct {
	And       []*Expression
	Or        []*Expression
	Condition *Condition
}

// Query carries the read options of findAll-style operations.
type Query struct {
	Page    int
	PerPage int
	Search  string
	Filters []Condition // AND-composed
	Where   *Expression // optional explicit composition, ANDed with Filters
	Fields  []string
	With    []string
	Sort    []string // "title" ascending, "-title" descending
}

// ParseQuery reads the query-string grammar:
//
//	filter[field:op]=v  filter[field.op]=v  filter[field]=v
//	filter[or][field:op]=v
//	fields=a,b  with=rel  page=2  perPage=25  search=term  sort=-title,id
func ParseQuery(params map[string]string) (*Query, error) {
	q := &Query{Page: 1}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var or []*Expression
	for _, key := range keys {
		val := params[key]
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		inner := key[len("filter[") : len(key)-1]
		grouped := false
		if rest, ok := strings.CutPrefix(inner, "or]["); ok {
			inner, grouped = rest, true
		}

		field, op := parseFilterKey(inner)
		if !store.ValidOperator(op) {
			return nil, BadRequestError(fmt.Sprintf("Unknown filter operator %s on %s", op, field))
		}
		var value any = val
		if op == string(store.OpIn) || op == string(store.OpNin) {
			value = splitList(val)
		}

		cond := Condition{Field: field, Operator: op, Value: value}
		if grouped {
			or = append(or, &Expression{Condition: &cond})
		} else {
			q.Filters = append(q.Filters, cond)
		}
	}
	if len(or) > 0 {
		q.Where = &Expression{Or: or}
	}

	if p := params["page"]; p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			q.Page = v
		}
	}
	for _, name := range []string{"perPage", "per_page"} {
		if pp := params[name]; pp != "" {
			if v, err := strconv.Atoi(pp); err == nil && v > 0 {
				q.PerPage = v
			}
		}
	}
	q.Search = strings.TrimSpace(params["search"])
	q.Fields = splitAndTrim(params["fields"])
	q.With = splitAndTrim(params["with"])
	q.Sort = splitAndTrim(params["sort"])

	return q, nil
}

// parseFilterKey splits "total:gte" or "total.gte" into ("total", "gte") and
// "status" into ("status", "eq").
func parseFilterKey(key string) (string, string) {
	if field, op, ok := strings.Cut(key, ":"); ok {
		return field, op
	}
	if field, op, ok := strings.Cut(key, "."); ok {
		return field, op
	}
	return key, string(store.OpEq)
}

func splitList(s string) []any {
	parts := splitAndTrim(s)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// filterCompiler turns conditions on one resource into an adapter-neutral
// predicate, checking every field reference before storage is touched.
type filterCompiler struct {
	registry *metadata.Registry
	resource *metadata.Resource
}

func (fc filterCompiler) compile(q *Query) (*store.Predicate, error) {
	var preds []*store.Predicate
	for i := range q.Filters {
		p, err := fc.condition(&q.Filters[i])
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if q.Where != nil {
		p, err := fc.expression(q.Where)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if q.Search != "" {
		var terms []*store.Predicate
		for _, f := range fc.resource.SearchableFields() {
			terms = append(terms, store.Cond(f.DatabaseField, store.OpContains, q.Search))
		}
		preds = append(preds, store.Or(terms...))
	}
	return store.And(preds...), nil
}

func (fc filterCompiler) expression(e *Expression) (*store.Predicate, error) {
	if e.Condition != nil {
		return fc.condition(e.Condition)
	}
	children := e.And
	compose := store.And
	if len(e.Or) > 0 {
		children, compose = e.Or, store.Or
	}
	preds := make([]*store.Predicate, 0, len(children))
	for _, child := range children {
		p, err := fc.expression(child)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return compose(preds...), nil
}

func (fc filterCompiler) condition(c *Condition) (*store.Predicate, error) {
	op := c.Operator
	if op == "" {
		op = string(store.OpEq)
	}
	if !store.ValidOperator(op) {
		return nil, BadRequestError(fmt.Sprintf("Unknown filter operator %s on %s", op, c.Field))
	}

	column, coerce, err := fc.column(c.Field)
	if err != nil {
		return nil, err
	}

	value := c.Value
	if op == string(store.OpIn) || op == string(store.OpNin) {
		list := toList(value)
		coerced := make([]any, len(list))
		for i, v := range list {
			if coerced[i], err = coerce(v); err != nil {
				return nil, BadRequestError(fmt.Sprintf("Invalid filter value for %s: %v", c.Field, err))
			}
		}
		value = coerced
	} else if value != nil {
		if value, err = coerce(value); err != nil {
			return nil, BadRequestError(fmt.Sprintf("Invalid filter value for %s: %v", c.Field, err))
		}
	}
	return store.Cond(column, store.Operator(op), value), nil
}

// column resolves a filter field to its storage column and value coercion.
func (fc filterCompiler) column(name string) (string, func(any) (any, error), error) {
	res := fc.resource
	if name == res.PrimaryKey {
		return res.PrimaryKey, res.NormalizeID, nil
	}
	f := res.GetField(name)
	if f == nil || !f.IsColumn() || !f.IsFilterable() {
		return "", nil, InvalidFieldError(res.Name, name)
	}
	if f.Type == metadata.TypeBelongsTo {
		if related := fc.registry.Resource(f.RelatedResource); related != nil {
			return f.DatabaseField, related.NormalizeID, nil
		}
	}
	return f.DatabaseField, func(v any) (any, error) { return coerceFilterValue(f, v) }, nil
}

// coerceFilterValue converts query-string values to the field's storage type.
// Values that are already typed pass through.
func coerceFilterValue(f *metadata.Field, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		if n, isNum := v.(float64); isNum && f.Type == metadata.TypeInteger && n == float64(int64(n)) {
			return int64(n), nil
		}
		return v, nil
	}
	switch f.Type {
	case metadata.TypeInteger:
		return strconv.ParseInt(s, 10, 64)
	case metadata.TypeDecimal:
		return strconv.ParseFloat(s, 64)
	case metadata.TypeBoolean:
		return strconv.ParseBool(s)
	}
	return s, nil
}

func toList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case string:
		return splitList(l)
	case nil:
		return nil
	}
	return []any{v}
}

// sortFields resolves "-title" style entries to storage sort fields.
func sortFields(res *metadata.Resource, entries []string) ([]store.SortField, error) {
	if len(entries) == 0 && res.DefaultSort != "" {
		entries = splitAndTrim(res.DefaultSort)
	}
	var out []store.SortField
	for _, e := range entries {
		name, desc := strings.CutPrefix(e, "-")
		if name == res.PrimaryKey {
			out = append(out, store.SortField{Column: res.PrimaryKey, Desc: desc})
			continue
		}
		f := res.GetField(name)
		if f == nil || !f.IsColumn() || !(f.Sortable || f.Searchable) {
			return nil, InvalidFieldError(res.Name, name)
		}
		out = append(out, store.SortField{Column: f.DatabaseField, Desc: desc})
	}
	return out, nil
}

// projection resolves the fields allow-list to storage columns.
func projection(res *metadata.Resource, fields []string) ([]string, error) {
	var cols []string
	for _, name := range fields {
		if name == res.PrimaryKey {
			continue
		}
		f := res.GetField(name)
		if f == nil || !f.IsColumn() {
			return nil, InvalidFieldError(res.Name, name)
		}
		cols = append(cols, f.DatabaseField)
	}
	return cols, nil
}
