package sqlstore

import (
	"fmt"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/store"
)

// selectSQL holds a SELECT and its COUNT twin sharing one WHERE clause.
type selectSQL struct {
	Query       string
	QueryParams []any
	Count       string
	CountParams []any
}

// fromClause is the FROM part of a query plus the alias used to qualify
// columns ("" for a plain table).
type fromClause struct {
	SQL   string
	Alias string
	Where []string // fixed conditions, rendered with their own params
	Args  []any
}

func (f fromClause) qualify(col string) string {
	if f.Alias == "" {
		return col
	}
	return f.Alias + "." + col
}

// buildSelect renders a paginated SELECT and COUNT for the given options.
func (a *Adapter) buildSelect(from fromClause, primaryKey string, opts store.FindOptions) selectSQL {
	render := func(withPaging bool) (string, []any, string) {
		pb := a.Dialect.Params()
		var where []string
		for i, w := range from.Where {
			where = append(where, fmt.Sprintf(w, pb.Add(from.Args[i])))
		}
		if clause := a.whereClause(opts.Filter, pb, from); clause != "" {
			where = append(where, clause)
		}
		whereSQL := ""
		if len(where) > 0 {
			whereSQL = " WHERE " + strings.Join(where, " AND ")
		}
		if !withPaging {
			return whereSQL, pb.Args(), ""
		}

		tail := " ORDER BY " + a.orderBy(from, primaryKey, opts.Sort)
		if opts.Limit > 0 {
			tail += " LIMIT " + pb.Add(opts.Limit)
			if opts.Offset > 0 {
				tail += " OFFSET " + pb.Add(opts.Offset)
			}
		}
		return whereSQL, pb.Args(), tail
	}

	whereSQL, params, tail := render(true)
	countWhere, countParams, _ := render(false)

	return selectSQL{
		Query:       fmt.Sprintf("SELECT %s FROM %s%s%s", a.projection(from, primaryKey, opts.Projection), from.SQL, whereSQL, tail),
		QueryParams: params,
		Count:       fmt.Sprintf("SELECT COUNT(*) AS total FROM %s%s", from.SQL, countWhere),
		CountParams: countParams,
	}
}

func (a *Adapter) projection(from fromClause, primaryKey string, columns []string) string {
	if len(columns) == 0 {
		return from.qualify("*")
	}
	cols := []string{from.qualify(primaryKey)}
	for _, c := range columns {
		if c == primaryKey {
			continue
		}
		cols = append(cols, from.qualify(c))
	}
	return strings.Join(cols, ", ")
}

func (a *Adapter) orderBy(from fromClause, primaryKey string, sorts []store.SortField) string {
	if len(sorts) == 0 {
		return from.qualify(primaryKey) + " ASC"
	}
	parts := make([]string, len(sorts))
	for i, s := range sorts {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s", from.qualify(s.Column), dir)
	}
	return strings.Join(parts, ", ")
}

// whereClause compiles a predicate tree into a parameterized condition.
func (a *Adapter) whereClause(p *store.Predicate, pb *Params, from fromClause) string {
	if p == nil {
		return ""
	}
	if len(p.And) > 0 || len(p.Or) > 0 {
		children, joiner := p.And, " AND "
		if len(p.Or) > 0 {
			children, joiner = p.Or, " OR "
		}
		var parts []string
		for _, c := range children {
			if s := a.whereClause(c, pb, from); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return ""
		}
		return "(" + strings.Join(parts, joiner) + ")"
	}

	col := from.qualify(p.Column)
	switch p.Op {
	case store.OpEq, "":
		if p.Value == nil {
			return col + " IS NULL"
		}
		return fmt.Sprintf("%s = %s", col, pb.Add(p.Value))
	case store.OpNeq:
		if p.Value == nil {
			return col + " IS NOT NULL"
		}
		return fmt.Sprintf("(%s IS NULL OR %s != %s)", col, col, pb.Add(p.Value))
	case store.OpGt:
		return fmt.Sprintf("%s > %s", col, pb.Add(p.Value))
	case store.OpGte:
		return fmt.Sprintf("%s >= %s", col, pb.Add(p.Value))
	case store.OpLt:
		return fmt.Sprintf("%s < %s", col, pb.Add(p.Value))
	case store.OpLte:
		return fmt.Sprintf("%s <= %s", col, pb.Add(p.Value))
	case store.OpContains:
		return a.Dialect.ContainsExpr(col, pb, p.Value)
	case store.OpIn:
		return a.Dialect.InExpr(col, pb, toSlice(p.Value))
	case store.OpNin:
		return a.Dialect.NotInExpr(col, pb, toSlice(p.Value))
	default:
		return fmt.Sprintf("%s = %s", col, pb.Add(p.Value))
	}
}

func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}
