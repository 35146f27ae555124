package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

const pgUniqueViolation = "23505"

// postgresDialect targets PostgreSQL through pgx's database/sql driver.
type postgresDialect struct{}

func (postgresDialect) DriverName() string { return "pgx" }
func (postgresDialect) BoolAsInt() bool    { return false }
func (postgresDialect) Params() *Params    { return &Params{prefix: "$"} }

var pgColumnTypes = map[metadata.FieldType]string{
	metadata.TypeInteger:  "BIGINT",
	metadata.TypeDecimal:  "DOUBLE PRECISION",
	metadata.TypeBoolean:  "BOOLEAN",
	metadata.TypeDate:     "DATE",
	metadata.TypeDateTime: "TIMESTAMPTZ",
	metadata.TypeJSON:     "JSONB",
}

func (postgresDialect) ColumnType(t metadata.FieldType) string {
	if typ, ok := pgColumnTypes[t]; ok {
		return typ
	}
	return "TEXT"
}

func (postgresDialect) KeyColumnType(kt metadata.KeyType) string {
	if kt == metadata.KeyUUID {
		return "UUID"
	}
	return "BIGINT"
}

func (postgresDialect) PrimaryKeyDef(column string, kt metadata.KeyType) string {
	if kt == metadata.KeyUUID {
		return column + " UUID PRIMARY KEY"
	}
	return column + " BIGSERIAL PRIMARY KEY"
}

func (postgresDialect) TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT to_regclass('public.' || $1::text) IS NOT NULL`, table,
	).Scan(&exists)
	return exists, err
}

func (postgresDialect) Columns(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}

// InExpr binds the whole list as one array parameter.
func (postgresDialect) InExpr(column string, p *Params, values []any) string {
	return fmt.Sprintf("%s = ANY(%s)", column, p.Add(pgArray(values)))
}

func (postgresDialect) NotInExpr(column string, p *Params, values []any) string {
	return fmt.Sprintf("%s <> ALL(%s)", column, p.Add(pgArray(values)))
}

func (postgresDialect) ContainsExpr(column string, p *Params, value any) string {
	return fmt.Sprintf("%s::text ILIKE %s", column, p.Add(fmt.Sprintf("%%%v%%", value)))
}

// pgArray narrows a homogeneous slice so pgx can encode it as a typed array.
func pgArray(values []any) any {
	ints := make([]int64, 0, len(values))
	strs := make([]string, 0, len(values))
	for _, v := range values {
		switch t := v.(type) {
		case int64:
			ints = append(ints, t)
		case int:
			ints = append(ints, int64(t))
		case string:
			strs = append(strs, t)
		}
	}
	switch {
	case len(ints) == len(values):
		return ints
	case len(strs) == len(values):
		return strs
	}
	return values
}

func (postgresDialect) MapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %w", store.ErrUniqueViolation, err)
	}
	return err
}
