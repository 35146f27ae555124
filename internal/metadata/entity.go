package metadata

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
)

type KeyType string

const (
	KeyInt  KeyType = "int"
	KeyUUID KeyType = "uuid"
)

var defaultPerPageOptions = []int{10, 25, 50}

// HookFunc runs at a lifecycle point. Returning an error aborts the operation
// and the error reaches the caller unchanged.
type HookFunc func(ctx context.Context, e *HookEvent) error

// HookEvent is what a hook sees. Payload is keyed by input name and may be
// mutated by before* hooks.
type HookEvent struct {
	Resource  *Resource
	Principal *Principal
	Payload   map[string]any
	ChangeSet map[string]any // update only: the fields present in the payload
	Record    map[string]any // existing record (update, delete) or persisted record (after*)
}

type Hooks struct {
	BeforeCreate []HookFunc
	AfterCreate  []HookFunc
	BeforeUpdate []HookFunc
	AfterUpdate  []HookFunc
	BeforeDelete []HookFunc
	AfterDelete  []HookFunc
}

// Resource is the declarative definition of one entity.
type Resource struct {
	Name           string   `yaml:"name" json:"name"`
	Slug           string   `yaml:"slug" json:"slug"`
	Table          string   `yaml:"table" json:"table"`
	PrimaryKey     string   `yaml:"primary_key" json:"primaryKey"`
	KeyType        KeyType  `yaml:"key_type" json:"keyType"`
	Fields         []*Field `yaml:"fields" json:"fields"`
	PerPageOptions []int    `yaml:"per_page_options" json:"perPageOptions"`
	DefaultSort    string   `yaml:"default_sort" json:"defaultSort,omitempty"`
	Permissions    []string `yaml:"permissions" json:"permissions"`

	Hooks   Hooks     `yaml:"-" json:"-"`
	Actions []*Action `yaml:"-" json:"actions"`
}

// BeforeCreate appends a hook and returns the resource for chaining.
func (r *Resource) BeforeCreate(fn HookFunc) *Resource {
	r.Hooks.BeforeCreate = append(r.Hooks.BeforeCreate, fn)
	return r
}

func (r *Resource) AfterCreate(fn HookFunc) *Resource {
	r.Hooks.AfterCreate = append(r.Hooks.AfterCreate, fn)
	return r
}

func (r *Resource) BeforeUpdate(fn HookFunc) *Resource {
	r.Hooks.BeforeUpdate = append(r.Hooks.BeforeUpdate, fn)
	return r
}

func (r *Resource) AfterUpdate(fn HookFunc) *Resource {
	r.Hooks.AfterUpdate = append(r.Hooks.AfterUpdate, fn)
	return r
}

func (r *Resource) BeforeDelete(fn HookFunc) *Resource {
	r.Hooks.BeforeDelete = append(r.Hooks.BeforeDelete, fn)
	return r
}

func (r *Resource) AfterDelete(fn HookFunc) *Resource {
	r.Hooks.AfterDelete = append(r.Hooks.AfterDelete, fn)
	return r
}

// WithActions appends actions and returns the resource for chaining.
func (r *Resource) WithActions(actions ...*Action) *Resource {
	r.Actions = append(r.Actions, actions...)
	return r
}

// GetField returns the field whose input name, database field or display
// name matches, in that order of preference. Returns nil if none does.
func (r *Resource) GetField(name string) *Field {
	for _, f := range r.Fields {
		if f.InputName == name {
			return f
		}
	}
	for _, f := range r.Fields {
		if f.DatabaseField == name {
			return f
		}
	}
	for _, f := range r.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// HasField returns true if the resource declares a field with the given name.
func (r *Resource) HasField(name string) bool {
	return r.GetField(name) != nil
}

// Columns returns the database fields stored on the resource's own record,
// primary key first.
func (r *Resource) Columns() []string {
	cols := []string{r.PrimaryKey}
	for _, f := range r.Fields {
		if f.IsColumn() && f.DatabaseField != r.PrimaryKey {
			cols = append(cols, f.DatabaseField)
		}
	}
	return cols
}

// SearchableFields returns fields flagged searchable.
func (r *Resource) SearchableFields() []*Field {
	var out []*Field
	for _, f := range r.Fields {
		if f.Searchable && f.IsColumn() {
			out = append(out, f)
		}
	}
	return out
}

// RelationshipTo returns the hasMany or belongsToMany field pointing at related.
func (r *Resource) RelationshipTo(related *Resource) *Field {
	for _, f := range r.Fields {
		if !f.IsMany() {
			continue
		}
		if f.RelatedResource == related.Name || f.RelatedResource == related.Slug {
			return f
		}
	}
	return nil
}

// Action returns the action with the given slug, or nil.
func (r *Resource) Action(slug string) *Action {
	for _, a := range r.Actions {
		if a.Slug == slug {
			return a
		}
	}
	return nil
}

// PermissionSlug returns the permission string for an operation, e.g. "create:posts".
func (r *Resource) PermissionSlug(op string) string {
	return op + ":" + r.Slug
}

// DefaultPerPage is the first declared per-page option.
func (r *Resource) DefaultPerPage() int {
	return r.PerPageOptions[0]
}

// ClampPerPage bounds n to the declared per-page options.
func (r *Resource) ClampPerPage(n int) int {
	if n <= 0 {
		return r.DefaultPerPage()
	}
	max := 0
	for _, o := range r.PerPageOptions {
		if o > max {
			max = o
		}
	}
	if n > max {
		return max
	}
	return n
}

// NormalizeID converts an id coming from a URL or JSON payload into the
// representation the storage layer expects for this resource's key type.
func (r *Resource) NormalizeID(id any) (any, error) {
	if r.KeyType == KeyUUID {
		switch v := id.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		}
		return nil, fmt.Errorf("invalid %s id %v", r.Name, id)
	}
	switch v := id.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("invalid %s id %v", r.Name, id)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s id %q", r.Name, v)
		}
		return n, nil
	}
	return nil, fmt.Errorf("invalid %s id %v", r.Name, id)
}

// normalize derives slug, table, key and per-field names.
func (r *Resource) normalize() {
	if r.Slug == "" {
		r.Slug = strcase.ToKebab(Pluralize(r.Name))
	}
	if r.Table == "" {
		r.Table = strcase.ToSnake(Pluralize(r.Name))
	}
	if r.PrimaryKey == "" {
		r.PrimaryKey = "id"
	}
	if r.KeyType == "" {
		r.KeyType = KeyInt
	}
	if len(r.PerPageOptions) == 0 {
		r.PerPageOptions = append([]int(nil), defaultPerPageOptions...)
	}
	for _, f := range r.Fields {
		f.normalize()
	}
	if len(r.Permissions) == 0 {
		for _, op := range []string{"fetch", "create", "update", "delete"} {
			r.Permissions = append(r.Permissions, r.PermissionSlug(op))
		}
		for _, a := range r.Actions {
			r.Permissions = append(r.Permissions, r.PermissionSlug("run:"+a.Slug))
		}
	}
}
