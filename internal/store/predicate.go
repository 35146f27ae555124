package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpNin      Operator = "nin"
)

// ValidOperator reports whether op is one of the supported comparison operators.
func ValidOperator(op string) bool {
	switch Operator(op) {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpContains, OpIn, OpNin:
		return true
	}
	return false
}

// Predicate is an adapter-neutral boolean tree. A node is either a leaf
// comparison (Column set) or a composition of children (And or Or set).
type Predicate struct {
	And []*Predicate
	Or  []*Predicate

	Column string
	Op     Operator
	Value  any // []any for in/nin
}

func Cond(column string, op Operator, value any) *Predicate {
	return &Predicate{Column: column, Op: op, Value: value}
}

// And composes non-nil predicates. It returns nil when none are given.
func And(preds ...*Predicate) *Predicate {
	return compose(preds, func(ps []*Predicate) *Predicate { return &Predicate{And: ps} })
}

// Or composes non-nil predicates. It returns nil when none are given.
func Or(preds ...*Predicate) *Predicate {
	return compose(preds, func(ps []*Predicate) *Predicate { return &Predicate{Or: ps} })
}

func compose(preds []*Predicate, wrap func([]*Predicate) *Predicate) *Predicate {
	var kept []*Predicate
	for _, p := range preds {
		if p != nil {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return wrap(kept)
}

func (p *Predicate) IsLeaf() bool {
	return p.Column != ""
}

// Match evaluates the predicate against an in-memory record. A nil predicate
// matches everything.
func (p *Predicate) Match(rec Record) bool {
	if p == nil {
		return true
	}
	if len(p.And) > 0 {
		for _, c := range p.And {
			if !c.Match(rec) {
				return false
			}
		}
		return true
	}
	if len(p.Or) > 0 {
		for _, c := range p.Or {
			if c.Match(rec) {
				return true
			}
		}
		return false
	}

	actual := rec[p.Column]
	switch p.Op {
	case OpEq, "":
		return Equal(actual, p.Value)
	case OpNeq:
		return !Equal(actual, p.Value)
	case OpGt:
		c, ok := Compare(actual, p.Value)
		return ok && c > 0
	case OpGte:
		c, ok := Compare(actual, p.Value)
		return ok && c >= 0
	case OpLt:
		c, ok := Compare(actual, p.Value)
		return ok && c < 0
	case OpLte:
		c, ok := Compare(actual, p.Value)
		return ok && c <= 0
	case OpContains:
		if actual == nil {
			return false
		}
		return strings.Contains(strings.ToLower(stringify(actual)), strings.ToLower(stringify(p.Value)))
	case OpIn:
		return inList(actual, p.Value)
	case OpNin:
		return !inList(actual, p.Value)
	}
	return false
}

func inList(actual, list any) bool {
	values, ok := list.([]any)
	if !ok {
		return Equal(actual, list)
	}
	for _, v := range values {
		if Equal(actual, v) {
			return true
		}
	}
	return false
}

// Equal compares two stored values, treating numbers of any width alike.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Compare orders two values. Numbers compare numerically, times
// chronologically, everything else by string form.
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), true
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			if ba == bb {
				return 0, true
			}
			if !ba {
				return -1, true
			}
			return 1, true
		}
	}
	return strings.Compare(stringify(a), stringify(b)), true
}

// SortRecords orders records in place by the given sort fields.
func SortRecords(records []Record, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, f := range fields {
			a, b := records[i][f.Column], records[j][f.Column]
			if a == nil && b == nil {
				continue
			}
			if a == nil {
				return !f.Desc
			}
			if b == nil {
				return f.Desc
			}
			c, _ := Compare(a, b)
			if c == 0 {
				continue
			}
			if f.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// IDString renders an id for use as a map or storage key. Integral floats
// (ids that passed through JSON) render without a fraction.
func IDString(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
	case json.Number:
		return v.String()
	}
	return fmt.Sprint(id)
}

func toFloat(v any) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
