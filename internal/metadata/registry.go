package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iancoleman/strcase"
)

// RuleFunc is a custom validator. A non-nil error fails the rule and its
// message is reported to the caller.
type RuleFunc func(ctx context.Context, value any, arg string, payload map[string]any) error

// Registry holds every resource declared at boot. Resources are never
// mutated after NewRegistry returns.
type Registry struct {
	resources []*Resource
	byName    map[string]*Resource
	bySlug    map[string]*Resource

	mu    sync.RWMutex
	rules map[string]RuleFunc
}

// NewRegistry normalizes the resources and checks the cross-resource
// invariants. Any violation fails the whole registry.
func NewRegistry(resources ...*Resource) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Resource),
		bySlug: make(map[string]*Resource),
		rules:  make(map[string]RuleFunc),
	}

	for _, res := range resources {
		if res.Name == "" {
			return nil, fmt.Errorf("resource without a name")
		}
		res.normalize()
		if res.KeyType != KeyInt && res.KeyType != KeyUUID {
			return nil, fmt.Errorf("resource %s: unknown key type %q", res.Name, res.KeyType)
		}
		if _, dup := r.byName[res.Name]; dup {
			return nil, fmt.Errorf("duplicate resource name %s", res.Name)
		}
		if other, dup := r.bySlug[res.Slug]; dup {
			return nil, fmt.Errorf("resources %s and %s share slug %s", other.Name, res.Name, res.Slug)
		}
		if err := checkFields(res); err != nil {
			return nil, err
		}
		r.byName[res.Name] = res
		r.bySlug[res.Slug] = res
		r.resources = append(r.resources, res)
	}

	for _, res := range r.resources {
		if err := r.resolveRelationships(res); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func checkFields(res *Resource) error {
	columns := map[string]bool{}
	inputs := map[string]bool{}
	for _, f := range res.Fields {
		if !knownTypes[f.Type] {
			return fmt.Errorf("resource %s: field %s has unknown type %q", res.Name, f.Name, f.Type)
		}
		if columns[f.DatabaseField] {
			return fmt.Errorf("resource %s: duplicate database field %s", res.Name, f.DatabaseField)
		}
		if inputs[f.InputName] {
			return fmt.Errorf("resource %s: duplicate input name %s", res.Name, f.InputName)
		}
		columns[f.DatabaseField] = true
		inputs[f.InputName] = true
	}
	for _, a := range res.Actions {
		if a.Handler == nil {
			return fmt.Errorf("resource %s: action %s has no handler", res.Name, a.Slug)
		}
		for _, f := range a.Fields {
			f.normalize()
		}
	}
	return nil
}

// resolveRelationships checks that every relationship target exists and
// fills in foreign keys and join tables.
func (r *Registry) resolveRelationships(res *Resource) error {
	for _, f := range res.Fields {
		if !f.IsRelationshipField() {
			continue
		}
		related := r.Resource(f.RelatedResource)
		if related == nil {
			return fmt.Errorf("resource %s: field %s references unknown resource %s", res.Name, f.Name, f.RelatedResource)
		}
		f.RelatedResource = related.Name

		switch f.Type {
		case TypeHasMany:
			if f.ForeignKey == "" {
				f.ForeignKey = inverseForeignKey(res, related)
			}
		case TypeBelongsToMany:
			if f.JoinTable == "" {
				tables := []string{res.Table, related.Table}
				sort.Strings(tables)
				f.JoinTable = tables[0] + "_" + tables[1]
			}
			if f.SourceJoinKey == "" {
				f.SourceJoinKey = strcase.ToSnake(res.Name) + "_id"
			}
			if f.TargetJoinKey == "" {
				f.TargetJoinKey = strcase.ToSnake(related.Name) + "_id"
			}
		}
	}
	return nil
}

// inverseForeignKey finds the belongsTo column on related pointing back at owner.
func inverseForeignKey(owner, related *Resource) string {
	for _, rf := range related.Fields {
		if rf.Type == TypeBelongsTo && (rf.RelatedResource == owner.Name || rf.RelatedResource == owner.Slug) {
			if rf.DatabaseField != "" {
				return rf.DatabaseField
			}
		}
	}
	return strcase.ToSnake(owner.Name) + "_id"
}

// Resource returns the resource with the given name or slug, or nil.
func (r *Registry) Resource(nameOrSlug string) *Resource {
	if res, ok := r.byName[nameOrSlug]; ok {
		return res
	}
	return r.bySlug[nameOrSlug]
}

// All returns resources in declaration order.
func (r *Registry) All() []*Resource {
	out := make([]*Resource, len(r.resources))
	copy(out, r.resources)
	return out
}

// RegisterRule adds a named custom validator usable in any rule list.
func (r *Registry) RegisterRule(name string, fn RuleFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[name] = fn
}

// Rule returns a custom validator, or nil.
func (r *Registry) Rule(name string) RuleFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules[name]
}
