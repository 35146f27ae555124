package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/instrument"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

// Validator runs the three validation stages for one resource:
// field rules, uniqueness, then relationship existence. Errors accumulate
// across stages; a field that failed a stage is skipped by later ones.
type Validator struct {
	registry *metadata.Registry
	adapter  store.Adapter
	resource *metadata.Resource
}

func NewValidator(reg *metadata.Registry, adapter store.Adapter, res *metadata.Resource) *Validator {
	return &Validator{registry: reg, adapter: adapter, resource: res}
}

// Validate checks payload (keyed by input name). On update excludeID is the
// record being updated and absent fields are not checked. The returned
// payload holds only declared fields, with values normalized for storage.
func (v *Validator) Validate(ctx context.Context, payload map[string]any, creating bool, excludeID any) ([]metadata.ErrorDetail, map[string]any, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "validator", "validator.run")
	defer span.End()
	span.SetEntity(v.resource.Name, "")

	failed := map[string]bool{}
	errs, err := v.checkFields(ctx, v.resource.Fields, payload, creating, failed)
	if err != nil {
		span.SetStatus("error")
		return nil, nil, err
	}
	clean := normalizePayload(v.registry, v.resource.Fields, payload, failed)

	uniqueErrs, err := v.checkUnique(ctx, clean, creating, excludeID, failed)
	if err != nil {
		span.SetStatus("error")
		return nil, nil, err
	}
	errs = append(errs, uniqueErrs...)

	existErrs, err := v.checkRelationships(ctx, clean, failed)
	if err != nil {
		span.SetStatus("error")
		return nil, nil, err
	}
	errs = append(errs, existErrs...)

	if len(errs) > 0 {
		span.SetStatus("invalid")
		span.SetMetadata("errors", len(errs))
	}
	return errs, clean, nil
}

// checkFields is the first stage. Each field reports at most one error,
// from the first rule it fails; the implicit type rule runs last.
func (v *Validator) checkFields(ctx context.Context, fields []*metadata.Field, payload map[string]any, creating bool, failed map[string]bool) ([]metadata.ErrorDetail, error) {
	var errs []metadata.ErrorDetail
	for _, f := range fields {
		value, present := payload[f.InputName]
		if !creating && !present {
			continue
		}

		var detail *metadata.ErrorDetail
		for _, rule := range f.RulesFor(creating) {
			d, err := v.checkRule(ctx, f, rule, value, present, payload)
			if err != nil {
				return nil, err
			}
			if d != nil {
				detail = d
				break
			}
		}
		if detail == nil {
			detail = v.checkType(f, value)
		}
		if detail != nil {
			failed[f.InputName] = true
			errs = append(errs, *detail)
		}
	}
	return errs, nil
}

func (v *Validator) checkUnique(ctx context.Context, payload map[string]any, creating bool, excludeID any, failed map[string]bool) ([]metadata.ErrorDetail, error) {
	res := v.resource
	var errs []metadata.ErrorDetail
	for _, f := range res.Fields {
		if !f.IsColumn() || failed[f.InputName] || !hasRule(f.RulesFor(creating), "unique") {
			continue
		}
		value, ok := payload[f.InputName]
		if !ok || value == nil {
			continue
		}

		var err error
		if creating {
			_, err = v.adapter.FindOneByField(ctx, res, f.DatabaseField, value)
		} else {
			_, err = v.adapter.FindOneByFieldExcludingOne(ctx, res, f.DatabaseField, value, excludeID)
		}
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check unique %s.%s: %w", res.Table, f.DatabaseField, err)
		}

		failed[f.InputName] = true
		errs = append(errs, metadata.ErrorDetail{
			Field:      f.InputName,
			Message:    fmt.Sprintf("A %s already exists with %s %v.", strings.ToLower(res.Name), f.InputName, value),
			Validation: "unique",
		})
	}
	return errs, nil
}

func (v *Validator) checkRelationships(ctx context.Context, payload map[string]any, failed map[string]bool) ([]metadata.ErrorDetail, error) {
	var errs []metadata.ErrorDetail
	for _, f := range v.resource.Fields {
		if !f.IsRelationshipField() || failed[f.InputName] {
			continue
		}
		value, ok := payload[f.InputName]
		if !ok || value == nil {
			continue
		}
		ids, _ := idList(value)
		if f.Type == metadata.TypeBelongsTo {
			ids = []any{value}
		}
		if len(ids) == 0 {
			continue
		}

		related := v.registry.Resource(f.RelatedResource)
		found, err := v.adapter.FindAllByIDs(ctx, related, ids)
		if err != nil {
			return nil, fmt.Errorf("check %s ids: %w", related.Table, err)
		}
		seen := make(map[string]bool, len(found))
		for _, rec := range found {
			seen[store.IDString(rec[related.PrimaryKey])] = true
		}
		for _, id := range ids {
			if seen[store.IDString(id)] {
				continue
			}
			failed[f.InputName] = true
			errs = append(errs, metadata.ErrorDetail{
				Field:      f.InputName,
				Message:    fmt.Sprintf("No record with id %v exists in %s.", id, related.Table),
				Validation: "exists",
			})
		}
	}
	return errs, nil
}

// normalizePayload keeps declared fields and converts values that passed
// the first stage to their storage representation.
func normalizePayload(reg *metadata.Registry, fields []*metadata.Field, payload map[string]any, failed map[string]bool) map[string]any {
	clean := make(map[string]any, len(payload))
	for _, f := range fields {
		value, ok := payload[f.InputName]
		if !ok {
			continue
		}
		if failed[f.InputName] || value == nil {
			clean[f.InputName] = value
			continue
		}
		switch f.Type {
		case metadata.TypeInteger:
			if n, ok := toInt(value); ok {
				value = n
			}
		case metadata.TypeBelongsTo:
			if id, err := reg.Resource(f.RelatedResource).NormalizeID(value); err == nil {
				value = id
			}
		case metadata.TypeHasMany, metadata.TypeBelongsToMany:
			related := reg.Resource(f.RelatedResource)
			list, _ := idList(value)
			ids := make([]any, 0, len(list))
			for _, raw := range list {
				if id, err := related.NormalizeID(raw); err == nil {
					ids = append(ids, id)
				}
			}
			value = ids
		}
		clean[f.InputName] = value
	}
	return clean
}

func hasRule(rules []string, name string) bool {
	for _, r := range rules {
		if n, _ := metadata.ParseRule(r); n == name {
			return true
		}
	}
	return false
}
