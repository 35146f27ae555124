package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

// Migrator creates tables, unique indexes and join tables from resource metadata.
type Migrator struct {
	adapter  *Adapter
	registry *metadata.Registry
}

func NewMigrator(adapter *Adapter, reg *metadata.Registry) *Migrator {
	return &Migrator{adapter: adapter, registry: reg}
}

// MigrateAll migrates every resource, then every join table once.
func (m *Migrator) MigrateAll(ctx context.Context) error {
	for _, res := range m.registry.All() {
		if err := m.Migrate(ctx, res); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for _, res := range m.registry.All() {
		for _, f := range res.Fields {
			if f.Type != metadata.TypeBelongsToMany || seen[f.JoinTable] {
				continue
			}
			seen[f.JoinTable] = true
			if err := m.MigrateJoinTable(ctx, res, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Migrate ensures the table matches the resource metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, res *metadata.Resource) error {
	exists, err := m.adapter.Dialect.TableExists(ctx, m.adapter.DB, res.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}

	if !exists {
		if err := m.createTable(ctx, res); err != nil {
			return err
		}
	} else if err := m.alterTable(ctx, res); err != nil {
		return err
	}

	if err := m.createIndexes(ctx, res); err != nil {
		return fmt.Errorf("create indexes for %s: %w", res.Table, err)
	}
	return nil
}

// MigrateJoinTable creates the join table for a belongsToMany field if it doesn't exist.
func (m *Migrator) MigrateJoinTable(ctx context.Context, owner *metadata.Resource, field *metadata.Field) error {
	exists, err := m.adapter.Dialect.TableExists(ctx, m.adapter.DB, field.JoinTable)
	if err != nil {
		return fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return nil
	}

	related := m.registry.Resource(field.RelatedResource)
	if related == nil {
		return fmt.Errorf("cannot resolve %s for join table %s", field.RelatedResource, field.JoinTable)
	}

	d := m.adapter.Dialect
	q := fmt.Sprintf(
		`CREATE TABLE %s (
			%s %s NOT NULL,
			%s %s NOT NULL,
			PRIMARY KEY (%s, %s)
		)`,
		field.JoinTable,
		field.SourceJoinKey, d.KeyColumnType(owner.KeyType),
		field.TargetJoinKey, d.KeyColumnType(related.KeyType),
		field.SourceJoinKey, field.TargetJoinKey,
	)
	if _, err := m.adapter.exec(ctx, m.adapter.DB, q); err != nil {
		return fmt.Errorf("create join table %s: %w", field.JoinTable, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, res *metadata.Resource) error {
	cols := []string{m.adapter.Dialect.PrimaryKeyDef(res.PrimaryKey, res.KeyType)}
	for _, f := range res.Fields {
		if !f.IsColumn() || f.DatabaseField == res.PrimaryKey {
			continue
		}
		cols = append(cols, m.columnDef(f))
	}

	q := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", res.Table, strings.Join(cols, ",\n  "))
	if _, err := m.adapter.exec(ctx, m.adapter.DB, q); err != nil {
		return fmt.Errorf("create table %s: %w", res.Table, err)
	}
	return nil
}

func (m *Migrator) alterTable(ctx context.Context, res *metadata.Resource) error {
	existing, err := m.adapter.Dialect.Columns(ctx, m.adapter.DB, res.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", res.Table, err)
	}

	for _, f := range res.Fields {
		if !f.IsColumn() {
			continue
		}
		if _, ok := existing[f.DatabaseField]; ok {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", res.Table, m.columnDef(f))
		if _, err := m.adapter.exec(ctx, m.adapter.DB, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", res.Table, f.DatabaseField, err)
		}
	}
	return nil
}

func (m *Migrator) columnDef(f *metadata.Field) string {
	d := m.adapter.Dialect
	if f.Type == metadata.TypeBelongsTo {
		keyType := metadata.KeyInt
		if related := m.registry.Resource(f.RelatedResource); related != nil {
			keyType = related.KeyType
		}
		return f.DatabaseField + " " + d.KeyColumnType(keyType)
	}
	return f.DatabaseField + " " + d.ColumnType(f.Type)
}

// createIndexes backs "unique" rules with a storage-level constraint so a
// racing insert fails with ErrUniqueViolation.
func (m *Migrator) createIndexes(ctx context.Context, res *metadata.Resource) error {
	for _, f := range res.Fields {
		if !f.IsColumn() || !f.IsUnique() {
			continue
		}
		q := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			res.Table, f.DatabaseField, res.Table, f.DatabaseField)
		if _, err := m.adapter.exec(ctx, m.adapter.DB, q); err != nil {
			return fmt.Errorf("create unique index on %s.%s: %w", res.Table, f.DatabaseField, err)
		}
	}
	return nil
}
