// Package sqlstore implements store.Adapter on database/sql for PostgreSQL
// (pgx) and SQLite (modernc).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Register sqlite as database/sql driver

	"github.com/tenseijs/tensei-sub000/internal/config"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Adapter wraps a database connection and dialect.
type Adapter struct {
	DB      *sql.DB
	Dialect Dialect
	log     *zap.Logger
}

var _ store.Adapter = (*Adapter)(nil)

// Open connects using the database section of the config.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Adapter, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	dialect := NewDialect(driver)
	if driver == "sqlite" && cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open(dialect.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite: single writer, WAL mode for concurrent reads
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	} else if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return New(db, dialect, logger), nil
}

// New wraps an already opened database.
func New(db *sql.DB, dialect Dialect, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{DB: db, Dialect: dialect, log: logger.Named("sql")}
}

// Close closes the database connection.
func (a *Adapter) Close() error {
	return a.DB.Close()
}

func (a *Adapter) queryRows(ctx context.Context, q Querier, sqlStr string, args ...any) ([]map[string]any, error) {
	start := time.Now()
	rows, err := QueryRows(ctx, q, sqlStr, args...)
	a.trace(sqlStr, args, start, err)
	return rows, err
}

func (a *Adapter) exec(ctx context.Context, q Querier, sqlStr string, args ...any) (int64, error) {
	start := time.Now()
	n, err := Exec(ctx, q, sqlStr, args...)
	a.trace(sqlStr, args, start, err)
	return n, err
}

func (a *Adapter) trace(sqlStr string, args []any, start time.Time, err error) {
	if ce := a.log.Check(zap.DebugLevel, "query"); ce != nil {
		ce.Write(
			zap.String("sql", sqlStr),
			zap.Int("args", len(args)),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
	}
}

// QueryRows executes a query and returns results as []map[string]any.
func QueryRows(ctx context.Context, q Querier, sqlStr string, args ...any) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return results, nil
}

// Exec executes a statement and returns the number of rows affected.
func Exec(ctx context.Context, q Querier, sqlStr string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("exec: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// normalizeValue converts database-specific types to JSON-serializable Go types.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		// database/sql often returns []byte for TEXT columns
		return string(val)
	case int32:
		return int64(val)
	default:
		return val
	}
}
