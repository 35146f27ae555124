package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

func (a *Adapter) FindOneByID(ctx context.Context, res *metadata.Resource, id any) (store.Record, error) {
	return a.load(ctx, res, id)
}

// FindOneByField uses the unique index when the column has one and falls
// back to a scan otherwise.
func (a *Adapter) FindOneByField(ctx context.Context, res *metadata.Resource, column string, value any) (store.Record, error) {
	if f := fieldByColumn(res, column); f != nil && f.IsUnique() && value != nil {
		id, err := a.client.HGet(ctx, a.uniqueKey(res, column), uniqueValue(value)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lookup %s.%s: %w", res.Table, column, err)
		}
		return a.FindOneByID(ctx, res, id)
	}
	return a.scanOne(ctx, res, store.Cond(column, store.OpEq, value))
}

func (a *Adapter) FindOneByFieldExcludingOne(ctx context.Context, res *metadata.Resource, column string, value any, excludeID any) (store.Record, error) {
	return a.scanOne(ctx, res, store.And(
		store.Cond(column, store.OpEq, value),
		store.Cond(res.PrimaryKey, store.OpNeq, excludeID),
	))
}

func (a *Adapter) scanOne(ctx context.Context, res *metadata.Resource, filter *store.Predicate) (store.Record, error) {
	rows, _, err := a.FindAll(ctx, res, store.FindOptions{Filter: filter, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	return rows[0], nil
}

func (a *Adapter) FindAllByIDs(ctx context.Context, res *metadata.Resource, ids []any) ([]store.Record, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = store.IDString(id)
	}
	rows, err := a.loadMany(ctx, res, keys)
	if err != nil {
		return nil, err
	}
	store.SortRecords(rows, []store.SortField{{Column: res.PrimaryKey}})
	return rows, nil
}

func (a *Adapter) FindAll(ctx context.Context, res *metadata.Resource, opts store.FindOptions) ([]store.Record, int, error) {
	all, err := a.loadAll(ctx, res)
	if err != nil {
		return nil, 0, err
	}
	rows, total := store.ApplyOptions(all, opts, res.PrimaryKey)
	return rows, total, nil
}

// FindAllBelongingToMany reads the link set for id. Both sides of a
// relationship share the join table, so either side resolves the other.
func (a *Adapter) FindAllBelongingToMany(ctx context.Context, owner *metadata.Resource, field *metadata.Field, related *metadata.Resource, id any, opts store.FindOptions) ([]store.Record, int, error) {
	members, err := a.client.SMembers(ctx, a.linkKey(field.JoinTable, field.SourceJoinKey, id)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("links %s.%s: %w", owner.Table, field.DatabaseField, err)
	}
	linked := make([]any, len(members))
	for i, m := range members {
		linked[i] = m
	}
	rows, err := a.FindAllByIDs(ctx, related, linked)
	if err != nil {
		return nil, 0, err
	}
	page, total := store.ApplyOptions(rows, opts, related.PrimaryKey)
	return page, total, nil
}

func (a *Adapter) Create(ctx context.Context, res *metadata.Resource, values store.Record) (store.Record, error) {
	id, score, err := a.nextID(ctx, res)
	if err != nil {
		return nil, err
	}
	if given, ok := values[res.PrimaryKey]; ok && given != nil {
		id = given
	}

	rec := make(store.Record, len(values)+1)
	for k, v := range values {
		rec[k] = v
	}
	rec[res.PrimaryKey] = id
	for _, f := range res.Fields {
		if f.IsColumn() {
			if _, ok := rec[f.DatabaseField]; !ok {
				rec[f.DatabaseField] = nil
			}
		}
	}

	if err := a.claimUnique(ctx, res, id, rec, nil); err != nil {
		return nil, err
	}
	if err := a.save(ctx, a.client, res, rec, score); err != nil {
		a.releaseUnique(ctx, res, rec, nil)
		return nil, err
	}
	return rec, nil
}

// Update merges values into the stored document. The read and the write are
// one WATCH transaction, so concurrent updates to other fields survive.
func (a *Adapter) Update(ctx context.Context, res *metadata.Resource, id any, values store.Record) (store.Record, error) {
	var updated store.Record
	err := a.watch(ctx, func(tx *redis.Tx) error {
		current, err := a.read(ctx, tx, res, id)
		if err != nil {
			return err
		}

		next := make(store.Record, len(current))
		for k, v := range current {
			next[k] = v
		}
		changed := map[string]bool{}
		for k, v := range values {
			if k == res.PrimaryKey {
				continue
			}
			if !store.Equal(current[k], v) {
				changed[k] = true
			}
			next[k] = v
		}

		if err := a.claimUnique(ctx, res, id, next, changed); err != nil {
			return err
		}
		if err := a.save(ctx, tx, res, next, 0); err != nil {
			a.releaseUnique(ctx, res, next, changed)
			return err
		}
		a.releaseUnique(ctx, res, current, changed)
		updated = next
		return nil
	}, a.docKey(res, id))
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (a *Adapter) UpdateManyByIDs(ctx context.Context, res *metadata.Resource, ids []any, values store.Record) (int, error) {
	n := 0
	for _, id := range ids {
		if _, err := a.Update(ctx, res, id, values); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteByID removes the document and every link to it, from both sides.
func (a *Adapter) DeleteByID(ctx context.Context, res *metadata.Resource, id any) error {
	specs, err := a.joins(ctx, res)
	if err != nil {
		return err
	}
	keys := []string{a.docKey(res, id)}
	for _, j := range specs {
		keys = append(keys, a.linkKey(j.table, j.own, id))
	}

	var deleted store.Record
	err = a.watch(ctx, func(tx *redis.Tx) error {
		current, err := a.read(ctx, tx, res, id)
		if err != nil {
			return err
		}
		linked := make([][]string, len(specs))
		for i, j := range specs {
			if linked[i], err = tx.SMembers(ctx, a.linkKey(j.table, j.own, id)).Result(); err != nil {
				return fmt.Errorf("links %s: %w", j.table, err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, a.docKey(res, id))
			pipe.ZRem(ctx, a.idsKey(res), store.IDString(id))
			for i, j := range specs {
				pipe.Del(ctx, a.linkKey(j.table, j.own, id))
				for _, other := range linked[i] {
					pipe.SRem(ctx, a.linkKey(j.table, j.other, other), store.IDString(id))
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", res.Table, err)
		}
		deleted = current
		return nil
	}, keys...)
	if err != nil {
		return err
	}
	a.releaseUnique(ctx, res, deleted, nil)
	return nil
}

// AttachBelongsToMany replaces the related ids of one record. The owner's
// link set and each related record's inverse set change together.
func (a *Adapter) AttachBelongsToMany(ctx context.Context, owner *metadata.Resource, field *metadata.Field, related *metadata.Resource, id any, relatedIDs []any) error {
	if _, err := a.load(ctx, owner, id); err != nil {
		return err
	}

	keep := map[string]bool{}
	want := make([]any, 0, len(relatedIDs))
	for _, rid := range relatedIDs {
		key := store.IDString(rid)
		if keep[key] {
			continue
		}
		keep[key] = true
		want = append(want, key)
	}

	ownerID := store.IDString(id)
	src := a.linkKey(field.JoinTable, field.SourceJoinKey, id)
	fwd := joinSpec{table: field.JoinTable, own: field.SourceJoinKey, other: field.TargetJoinKey}
	inv := joinSpec{table: field.JoinTable, own: field.TargetJoinKey, other: field.SourceJoinKey}

	return a.watch(ctx, func(tx *redis.Tx) error {
		have, err := tx.SMembers(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("links %s.%s: %w", owner.Table, field.DatabaseField, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, src)
			if len(want) > 0 {
				pipe.SAdd(ctx, src, want...)
			}
			for _, rid := range have {
				if !keep[rid] {
					pipe.SRem(ctx, a.linkKey(field.JoinTable, field.TargetJoinKey, rid), ownerID)
				}
			}
			for _, rid := range want {
				pipe.SAdd(ctx, a.linkKey(field.JoinTable, field.TargetJoinKey, rid), ownerID)
			}
			pipe.SAdd(ctx, a.joinsKey(owner), fwd.String())
			pipe.SAdd(ctx, a.joinsKey(related), inv.String())
			return nil
		})
		if err != nil {
			return fmt.Errorf("attach %s.%s: %w", owner.Table, field.DatabaseField, err)
		}
		return nil
	}, src)
}

func (a *Adapter) joins(ctx context.Context, res *metadata.Resource) ([]joinSpec, error) {
	members, err := a.client.SMembers(ctx, a.joinsKey(res)).Result()
	if err != nil {
		return nil, fmt.Errorf("joins %s: %w", res.Table, err)
	}
	specs := make([]joinSpec, 0, len(members))
	for _, m := range members {
		if j, ok := parseJoinSpec(m); ok {
			specs = append(specs, j)
		}
	}
	return specs, nil
}

func fieldByColumn(res *metadata.Resource, column string) *metadata.Field {
	for _, f := range res.Fields {
		if f.DatabaseField == column {
			return f
		}
	}
	return nil
}
