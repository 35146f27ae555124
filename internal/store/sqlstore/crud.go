package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

func (a *Adapter) FindOneByID(ctx context.Context, res *metadata.Resource, id any) (store.Record, error) {
	pb := a.Dialect.Params()
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", res.Table, res.PrimaryKey, pb.Add(id))
	return a.first(ctx, res, q, pb.Args())
}

func (a *Adapter) FindOneByField(ctx context.Context, res *metadata.Resource, column string, value any) (store.Record, error) {
	pb := a.Dialect.Params()
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s ORDER BY %s ASC LIMIT 1",
		res.Table, column, pb.Add(a.encodeValue(res, column, value)), res.PrimaryKey)
	return a.first(ctx, res, q, pb.Args())
}

func (a *Adapter) FindOneByFieldExcludingOne(ctx context.Context, res *metadata.Resource, column string, value any, excludeID any) (store.Record, error) {
	pb := a.Dialect.Params()
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s AND %s != %s ORDER BY %s ASC LIMIT 1",
		res.Table, column, pb.Add(a.encodeValue(res, column, value)), res.PrimaryKey, pb.Add(excludeID), res.PrimaryKey)
	return a.first(ctx, res, q, pb.Args())
}

func (a *Adapter) FindAllByIDs(ctx context.Context, res *metadata.Resource, ids []any) ([]store.Record, error) {
	if len(ids) == 0 {
		return []store.Record{}, nil
	}
	pb := a.Dialect.Params()
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY %s ASC",
		res.Table, a.Dialect.InExpr(res.PrimaryKey, pb, ids), res.PrimaryKey)
	rows, err := a.queryRows(ctx, a.DB, q, pb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("find %s by ids: %w", res.Table, err)
	}
	return a.decodeRows(res, rows), nil
}

func (a *Adapter) FindAll(ctx context.Context, res *metadata.Resource, opts store.FindOptions) ([]store.Record, int, error) {
	return a.page(ctx, res, fromClause{SQL: res.Table}, res.PrimaryKey, opts)
}

func (a *Adapter) FindAllBelongingToMany(ctx context.Context, owner *metadata.Resource, field *metadata.Field, related *metadata.Resource, id any, opts store.FindOptions) ([]store.Record, int, error) {
	from := fromClause{
		SQL: fmt.Sprintf("%s t INNER JOIN %s j ON j.%s = t.%s",
			related.Table, field.JoinTable, field.TargetJoinKey, related.PrimaryKey),
		Alias: "t",
		Where: []string{"j." + field.SourceJoinKey + " = %s"},
		Args:  []any{id},
	}
	return a.page(ctx, related, from, related.PrimaryKey, opts)
}

func (a *Adapter) page(ctx context.Context, res *metadata.Resource, from fromClause, primaryKey string, opts store.FindOptions) ([]store.Record, int, error) {
	sel := a.buildSelect(from, primaryKey, opts)

	rows, err := a.queryRows(ctx, a.DB, sel.Query, sel.QueryParams...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", res.Table, err)
	}
	countRows, err := a.queryRows(ctx, a.DB, sel.Count, sel.CountParams...)
	if err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", res.Table, err)
	}
	total := 0
	if len(countRows) > 0 {
		total = toInt(countRows[0]["total"])
	}
	return a.decodeRows(res, rows), total, nil
}

func (a *Adapter) Create(ctx context.Context, res *metadata.Resource, values store.Record) (store.Record, error) {
	values = a.encode(res, values)
	if res.KeyType == metadata.KeyUUID && values[res.PrimaryKey] == nil {
		values[res.PrimaryKey] = uuid.NewString()
	}

	cols := sortedKeys(values)
	var q string
	pb := a.Dialect.Params()
	if len(cols) == 0 {
		q = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING *", res.Table)
	} else {
		phs := make([]string, len(cols))
		for i, c := range cols {
			phs[i] = pb.Add(values[c])
		}
		q = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			res.Table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	}

	rows, err := a.queryRows(ctx, a.DB, q, pb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", res.Table, a.Dialect.MapError(err))
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert into %s: no row returned", res.Table)
	}
	return a.decodeRows(res, rows)[0], nil
}

func (a *Adapter) Update(ctx context.Context, res *metadata.Resource, id any, values store.Record) (store.Record, error) {
	values = a.encode(res, values)
	delete(values, res.PrimaryKey)
	if len(values) == 0 {
		return a.FindOneByID(ctx, res, id)
	}

	pb := a.Dialect.Params()
	sets := a.setClause(values, pb)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING *",
		res.Table, sets, res.PrimaryKey, pb.Add(id))

	rows, err := a.queryRows(ctx, a.DB, q, pb.Args()...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", res.Table, a.Dialect.MapError(err))
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return a.decodeRows(res, rows)[0], nil
}

func (a *Adapter) UpdateManyByIDs(ctx context.Context, res *metadata.Resource, ids []any, values store.Record) (int, error) {
	values = a.encode(res, values)
	delete(values, res.PrimaryKey)
	if len(ids) == 0 || len(values) == 0 {
		return 0, nil
	}

	pb := a.Dialect.Params()
	sets := a.setClause(values, pb)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", res.Table, sets, a.Dialect.InExpr(res.PrimaryKey, pb, ids))

	n, err := a.exec(ctx, a.DB, q, pb.Args()...)
	if err != nil {
		return 0, fmt.Errorf("update many %s: %w", res.Table, a.Dialect.MapError(err))
	}
	return int(n), nil
}

// DeleteByID removes the record and its join-table rows in one transaction.
func (a *Adapter) DeleteByID(ctx context.Context, res *metadata.Resource, id any) error {
	return a.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range res.Fields {
			if f.Type != metadata.TypeBelongsToMany {
				continue
			}
			pb := a.Dialect.Params()
			q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", f.JoinTable, f.SourceJoinKey, pb.Add(id))
			if _, err := a.exec(ctx, tx, q, pb.Args()...); err != nil {
				return fmt.Errorf("detach %s: %w", f.JoinTable, err)
			}
		}

		pb := a.Dialect.Params()
		q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", res.Table, res.PrimaryKey, pb.Add(id))
		n, err := a.exec(ctx, tx, q, pb.Args()...)
		if err != nil {
			return fmt.Errorf("delete %s: %w", res.Table, err)
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (a *Adapter) AttachBelongsToMany(ctx context.Context, owner *metadata.Resource, field *metadata.Field, related *metadata.Resource, id any, relatedIDs []any) error {
	return a.withTx(ctx, func(tx *sql.Tx) error {
		pb := a.Dialect.Params()
		q := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", field.JoinTable, field.SourceJoinKey, pb.Add(id))
		if _, err := a.exec(ctx, tx, q, pb.Args()...); err != nil {
			return fmt.Errorf("clear %s: %w", field.JoinTable, err)
		}

		seen := map[string]bool{}
		for _, rid := range relatedIDs {
			key := store.IDString(rid)
			if seen[key] {
				continue
			}
			seen[key] = true

			pb := a.Dialect.Params()
			q := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
				field.JoinTable, field.SourceJoinKey, field.TargetJoinKey, pb.Add(id), pb.Add(rid))
			if _, err := a.exec(ctx, tx, q, pb.Args()...); err != nil {
				return fmt.Errorf("attach %s: %w", field.JoinTable, a.Dialect.MapError(err))
			}
		}
		return nil
	})
}

func (a *Adapter) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (a *Adapter) first(ctx context.Context, res *metadata.Resource, q string, params []any) (store.Record, error) {
	rows, err := a.queryRows(ctx, a.DB, q, params...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", res.Table, err)
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return a.decodeRows(res, rows)[0], nil
}

func (a *Adapter) setClause(values store.Record, pb *Params) string {
	cols := sortedKeys(values)
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", c, pb.Add(values[c]))
	}
	return strings.Join(sets, ", ")
}

// encode copies values, serializing json fields for storage.
func (a *Adapter) encode(res *metadata.Resource, values store.Record) store.Record {
	out := make(store.Record, len(values))
	for k, v := range values {
		out[k] = a.encodeValue(res, k, v)
	}
	return out
}

func (a *Adapter) encodeValue(res *metadata.Resource, column string, v any) any {
	f := fieldByColumn(res, column)
	if f == nil || f.Type != metadata.TypeJSON || v == nil {
		return v
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(b)
}

// decodeRows converts storage representations back to API values.
func (a *Adapter) decodeRows(res *metadata.Resource, rows []map[string]any) []store.Record {
	out := make([]store.Record, len(rows))
	for i, row := range rows {
		for _, f := range res.Fields {
			v, ok := row[f.DatabaseField]
			if !ok || v == nil {
				continue
			}
			switch f.Type {
			case metadata.TypeBoolean:
				if a.Dialect.BoolAsInt() {
					if n, isInt := v.(int64); isInt {
						row[f.DatabaseField] = n != 0
					}
				}
			case metadata.TypeJSON:
				if s, isStr := v.(string); isStr {
					var decoded any
					if err := json.Unmarshal([]byte(s), &decoded); err == nil {
						row[f.DatabaseField] = decoded
					}
				}
			}
		}
		out[i] = row
	}
	return out
}

func fieldByColumn(res *metadata.Resource, column string) *metadata.Field {
	for _, f := range res.Fields {
		if f.DatabaseField == column {
			return f
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		var i int
		fmt.Sscan(n, &i)
		return i
	}
	return 0
}
