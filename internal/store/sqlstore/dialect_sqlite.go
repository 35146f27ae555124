package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

// sqliteDialect targets modernc.org/sqlite.
type sqliteDialect struct{}

func (sqliteDialect) DriverName() string { return "sqlite" }
func (sqliteDialect) BoolAsInt() bool    { return true }
func (sqliteDialect) Params() *Params    { return &Params{prefix: "?"} }

// ColumnType uses SQLite's storage classes; dates are kept as ISO-8601 text.
func (sqliteDialect) ColumnType(t metadata.FieldType) string {
	switch t {
	case metadata.TypeInteger, metadata.TypeBoolean:
		return "INTEGER"
	case metadata.TypeDecimal:
		return "REAL"
	}
	return "TEXT"
}

func (sqliteDialect) KeyColumnType(kt metadata.KeyType) string {
	if kt == metadata.KeyUUID {
		return "TEXT"
	}
	return "INTEGER"
}

func (sqliteDialect) PrimaryKeyDef(column string, kt metadata.KeyType) string {
	if kt == metadata.KeyUUID {
		return column + " TEXT PRIMARY KEY"
	}
	return column + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (sqliteDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?1", table,
	).Scan(&n)
	return n > 0, err
}

func (sqliteDialect) Columns(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, type FROM pragma_table_info(?1)", table)
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}

// An empty list matches nothing for IN and everything for NOT IN.
func (sqliteDialect) InExpr(column string, p *Params, values []any) string {
	if len(values) == 0 {
		return "1=0"
	}
	return fmt.Sprintf("%s IN (%s)", column, placeholders(p, values))
}

func (sqliteDialect) NotInExpr(column string, p *Params, values []any) string {
	if len(values) == 0 {
		return "1=1"
	}
	return fmt.Sprintf("%s NOT IN (%s)", column, placeholders(p, values))
}

// ContainsExpr leans on LIKE, which SQLite compares case-insensitively for ASCII.
func (sqliteDialect) ContainsExpr(column string, p *Params, value any) string {
	return column + " LIKE " + p.Add(fmt.Sprintf("%%%v%%", value))
}

func (sqliteDialect) MapError(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %w", store.ErrUniqueViolation, err)
	}
	return err
}
