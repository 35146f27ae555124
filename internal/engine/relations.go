package engine

import (
	"context"
	"fmt"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

// partition splits a payload keyed by input name into the columns written
// with the record (belongsTo ids included) and the many-relationships
// applied once the record exists. Unknown keys are dropped.
func partition(res *metadata.Resource, payload map[string]any) (store.Record, map[*metadata.Field][]any) {
	values := store.Record{}
	relations := map[*metadata.Field][]any{}
	for key, value := range payload {
		f := inputField(res, key)
		if f == nil {
			continue
		}
		if f.IsMany() {
			ids, _ := idList(value)
			relations[f] = ids
			continue
		}
		values[f.DatabaseField] = value
	}
	return values, relations
}

func inputField(res *metadata.Resource, name string) *metadata.Field {
	for _, f := range res.Fields {
		if f.InputName == name {
			return f
		}
	}
	return nil
}

// syncRelationships applies hasMany and belongsToMany ids for the record id.
// On update, hasMany children no longer listed are detached.
func (m *Manager) syncRelationships(ctx context.Context, id any, relations map[*metadata.Field][]any, updating bool) error {
	for _, f := range m.resource.Fields {
		ids, ok := relations[f]
		if !ok {
			continue
		}
		related := m.registry.Resource(f.RelatedResource)

		switch f.Type {
		case metadata.TypeBelongsToMany:
			if err := m.adapter.AttachBelongsToMany(ctx, m.resource, f, related, id, ids); err != nil {
				return fmt.Errorf("attach %s to %s: %w", related.Table, m.resource.Table, err)
			}
		case metadata.TypeHasMany:
			if updating {
				stale, _, err := m.adapter.FindAll(ctx, related, store.FindOptions{
					Filter: store.And(
						store.Cond(f.ForeignKey, store.OpEq, id),
						store.Cond(related.PrimaryKey, store.OpNin, ids),
					),
					Projection: []string{f.ForeignKey},
				})
				if err != nil {
					return fmt.Errorf("find %s to detach: %w", related.Table, err)
				}
				if len(stale) > 0 {
					detach := make([]any, len(stale))
					for i, rec := range stale {
						detach[i] = rec[related.PrimaryKey]
					}
					if _, err := m.adapter.UpdateManyByIDs(ctx, related, detach, store.Record{f.ForeignKey: nil}); err != nil {
						return fmt.Errorf("detach %s: %w", related.Table, err)
					}
				}
			}
			if len(ids) > 0 {
				if _, err := m.adapter.UpdateManyByIDs(ctx, related, ids, store.Record{f.ForeignKey: id}); err != nil {
					return fmt.Errorf("assign %s: %w", related.Table, err)
				}
			}
		}
	}
	return nil
}

// relationFields resolves "with" names to relationship fields.
func relationFields(res *metadata.Resource, names []string) ([]*metadata.Field, error) {
	fields := make([]*metadata.Field, 0, len(names))
	for _, name := range names {
		f := res.GetField(name)
		if f == nil || !f.IsRelationshipField() {
			return nil, InvalidFieldError(res.Name, name)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// Populate loads the named relationships onto records under each field's
// input name: belongsTo as an object (or nil), many-relationships as arrays.
func (m *Manager) Populate(ctx context.Context, records []store.Record, with []string) error {
	if err := m.requireResource(); err != nil {
		return err
	}
	fields, err := relationFields(m.resource, with)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := m.populateField(ctx, records, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) populateField(ctx context.Context, records []store.Record, f *metadata.Field) error {
	if len(records) == 0 {
		return nil
	}
	res := m.resource
	related := m.registry.Resource(f.RelatedResource)

	switch f.Type {
	case metadata.TypeBelongsTo:
		var ids []any
		for _, rec := range records {
			if id := rec[f.DatabaseField]; id != nil {
				ids = append(ids, id)
			}
		}
		found, err := m.adapter.FindAllByIDs(ctx, related, ids)
		if err != nil {
			return fmt.Errorf("populate %s: %w", f.InputName, err)
		}
		byID := indexBy(found, related.PrimaryKey)
		for _, rec := range records {
			var parent any
			if id := rec[f.DatabaseField]; id != nil {
				if p, ok := byID[store.IDString(id)]; ok {
					parent = p
				}
			}
			rec[f.InputName] = parent
		}

	case metadata.TypeHasMany:
		ids := make([]any, len(records))
		for i, rec := range records {
			ids[i] = rec[res.PrimaryKey]
		}
		children, _, err := m.adapter.FindAll(ctx, related, store.FindOptions{
			Filter: store.Cond(f.ForeignKey, store.OpIn, ids),
		})
		if err != nil {
			return fmt.Errorf("populate %s: %w", f.InputName, err)
		}
		grouped := map[string][]store.Record{}
		for _, child := range children {
			key := store.IDString(child[f.ForeignKey])
			grouped[key] = append(grouped[key], child)
		}
		for _, rec := range records {
			list := grouped[store.IDString(rec[res.PrimaryKey])]
			if list == nil {
				list = []store.Record{}
			}
			rec[f.InputName] = list
		}

	case metadata.TypeBelongsToMany:
		for _, rec := range records {
			list, _, err := m.adapter.FindAllBelongingToMany(ctx, res, f, related, rec[res.PrimaryKey], store.FindOptions{})
			if err != nil {
				return fmt.Errorf("populate %s: %w", f.InputName, err)
			}
			rec[f.InputName] = list
		}
	}
	return nil
}

// FindAllRelatedResource returns the records of relatedName connected to id
// through a hasMany or belongsToMany field on the current resource.
func (m *Manager) FindAllRelatedResource(ctx context.Context, id any, relatedName string, q *Query) (page *Page, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.find_all_related")
	defer func() { endSpan(span, err) }()

	res := m.resource
	related := m.registry.Resource(relatedName)
	if related == nil {
		return nil, RelationNotFoundError(res.Name, relatedName)
	}
	f := res.RelationshipTo(related)
	if f == nil {
		return nil, RelationNotFoundError(res.Name, related.Name)
	}
	if err := m.authorize(ctx, res, "fetch"); err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, related, "fetch"); err != nil {
		return nil, err
	}
	key, err := res.NormalizeID(id)
	if err != nil {
		return nil, NotFoundError(res.Name, id)
	}
	id = key
	span.SetEntity(res.Name, store.IDString(id))

	if q == nil {
		q = &Query{}
	}
	opts, pageNum, perPage, err := m.findOptions(related, q)
	if err != nil {
		return nil, err
	}

	var rows []store.Record
	var total int
	if f.Type == metadata.TypeHasMany {
		opts.Filter = store.And(store.Cond(f.ForeignKey, store.OpEq, id), opts.Filter)
		rows, total, err = m.adapter.FindAll(ctx, related, opts)
	} else {
		rows, total, err = m.adapter.FindAllBelongingToMany(ctx, res, f, related, id, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s related to %s: %w", related.Table, res.Table, err)
	}

	if len(q.With) > 0 {
		if err := m.withResource(related).Populate(ctx, rows, q.With); err != nil {
			return nil, err
		}
	}
	return newPage(rows, total, pageNum, perPage), nil
}

func indexBy(records []store.Record, key string) map[string]store.Record {
	out := make(map[string]store.Record, len(records))
	for _, rec := range records {
		out[store.IDString(rec[key])] = rec
	}
	return out
}

// idList accepts the slice shapes callers send for many-relationships.
func idList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []int64:
		out := make([]any, len(l))
		for i, id := range l {
			out[i] = id
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, id := range l {
			out[i] = id
		}
		return out, true
	case []string:
		out := make([]any, len(l))
		for i, id := range l {
			out[i] = id
		}
		return out, true
	case nil:
		return nil, true
	}
	return nil, false
}
