package engine

import (
	"context"
	"fmt"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

// RunAction executes the named action against the selected records. The
// selection is always loaded first, even when ids is empty.
func (m *Manager) RunAction(ctx context.Context, slug string, ids []any, payload map[string]any) (out metadata.Outcome, err error) {
	if err := m.requireResource(); err != nil {
		return metadata.Outcome{}, err
	}
	ctx, span := m.startSpan(ctx, "manager.run_action")
	defer func() { endSpan(span, err) }()
	span.SetMetadata("action", slug)

	res := m.resource
	action := res.Action(slug)
	if action == nil {
		return metadata.Outcome{}, ActionNotFoundError(res.Name, slug)
	}
	if err := m.authorize(ctx, res, "run:"+action.Slug); err != nil {
		return metadata.Outcome{}, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	v := NewValidator(m.registry, m.adapter, res)
	errs, err := v.checkFields(ctx, action.Fields, payload, true, map[string]bool{})
	if err != nil {
		return metadata.Outcome{}, err
	}
	if len(errs) > 0 {
		return metadata.Outcome{}, ValidationError(errs)
	}

	keys := make([]any, 0, len(ids))
	for _, id := range ids {
		key, err := res.NormalizeID(id)
		if err != nil {
			return metadata.Outcome{}, NotFoundError(res.Name, id)
		}
		keys = append(keys, key)
	}
	found, err := m.adapter.FindAllByIDs(ctx, res, keys)
	if err != nil {
		return metadata.Outcome{}, fmt.Errorf("load %s selection: %w", res.Table, err)
	}
	records := make([]map[string]any, len(found))
	for i, rec := range found {
		records[i] = rec
	}

	out, err = action.Handler(ctx, &metadata.ActionInput{
		Resource:  res,
		Principal: m.principal(),
		Records:   records,
		Payload:   payload,
		Helpers:   m,
	})
	if err != nil {
		return metadata.Outcome{}, err
	}
	span.SetMetadata("outcome", string(out.Kind))
	return out, nil
}

var _ metadata.Helpers = (*Manager)(nil)
