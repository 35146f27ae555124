package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

// Dialect covers the SQL that differs between PostgreSQL and SQLite.
type Dialect interface {
	// DriverName is the database/sql driver to open ("pgx" or "sqlite").
	DriverName() string

	Params() *Params

	ColumnType(fieldType metadata.FieldType) string
	KeyColumnType(keyType metadata.KeyType) string
	PrimaryKeyDef(column string, keyType metadata.KeyType) string

	TableExists(ctx context.Context, db *sql.DB, table string) (bool, error)
	// Columns returns the existing column names of table mapped to their types.
	Columns(ctx context.Context, db *sql.DB, table string) (map[string]string, error)

	InExpr(column string, p *Params, values []any) string
	NotInExpr(column string, p *Params, values []any) string
	// ContainsExpr is a case-insensitive substring match.
	ContainsExpr(column string, p *Params, value any) string

	// MapError wraps unique violations with store.ErrUniqueViolation.
	MapError(err error) error

	// BoolAsInt reports whether boolean columns are read back as integers.
	BoolAsInt() bool
}

// NewDialect returns the dialect for driver. Anything but "sqlite" is postgres.
func NewDialect(driver string) Dialect {
	if driver == "sqlite" {
		return sqliteDialect{}
	}
	return postgresDialect{}
}

// Params collects bind arguments and hands out numbered placeholders,
// $1 for postgres and ?1 for sqlite.
type Params struct {
	prefix string
	args   []any
}

// Add binds v and returns its placeholder.
func (p *Params) Add(v any) string {
	p.args = append(p.args, v)
	return p.prefix + strconv.Itoa(len(p.args))
}

// Args returns the bound arguments in placeholder order.
func (p *Params) Args() []any { return p.args }

// placeholders binds each value and joins the placeholders with commas.
func placeholders(p *Params, values []any) string {
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = p.Add(v)
	}
	return strings.Join(phs, ", ")
}

func scanColumns(rows *sql.Rows) (map[string]string, error) {
	defer rows.Close()
	cols := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		cols[name] = typ
	}
	return cols, rows.Err()
}
