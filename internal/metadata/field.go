package metadata

import (
	"strings"

	"github.com/iancoleman/strcase"
)

type FieldType string

const (
	TypeText          FieldType = "text"
	TypeTextarea      FieldType = "textarea"
	TypeInteger       FieldType = "integer"
	TypeDecimal       FieldType = "decimal"
	TypeBoolean       FieldType = "boolean"
	TypeDate          FieldType = "date"
	TypeDateTime      FieldType = "dateTime"
	TypeSelect        FieldType = "select"
	TypeJSON          FieldType = "json"
	TypeBelongsTo     FieldType = "belongsTo"
	TypeHasMany       FieldType = "hasMany"
	TypeBelongsToMany FieldType = "belongsToMany"
)

var knownTypes = map[FieldType]bool{
	TypeText: true, TypeTextarea: true, TypeInteger: true, TypeDecimal: true,
	TypeBoolean: true, TypeDate: true, TypeDateTime: true, TypeSelect: true,
	TypeJSON: true, TypeBelongsTo: true, TypeHasMany: true, TypeBelongsToMany: true,
}

// Field describes one attribute or relationship of a Resource.
type Field struct {
	Name          string    `yaml:"name" json:"name"`
	DatabaseField string    `yaml:"database_field" json:"databaseField"`
	InputName     string    `yaml:"input_name" json:"inputName"`
	Type          FieldType `yaml:"type" json:"type"`

	Rules         []string `yaml:"rules" json:"rules,omitempty"`
	CreationRules []string `yaml:"creation_rules" json:"creationRules,omitempty"`
	UpdateRules   []string `yaml:"update_rules" json:"updateRules,omitempty"`

	RelatedResource string `yaml:"related" json:"relatedResource,omitempty"`
	ForeignKey      string `yaml:"foreign_key" json:"foreignKey,omitempty"` // hasMany: column on the related table
	JoinTable       string `yaml:"join_table" json:"joinTable,omitempty"`   // belongsToMany on SQL engines
	SourceJoinKey   string `yaml:"source_join_key" json:"sourceJoinKey,omitempty"`
	TargetJoinKey   string `yaml:"target_join_key" json:"targetJoinKey,omitempty"`

	Options []string `yaml:"options" json:"options,omitempty"`
	Default any      `yaml:"default" json:"default,omitempty"`

	Searchable bool `yaml:"searchable" json:"isSearchable"`
	Sortable   bool `yaml:"sortable" json:"isSortable"`
	Filterable bool `yaml:"filterable" json:"isFilterable"`

	HideOnCreate bool `yaml:"hide_on_create" json:"hideOnCreate"`
	HideOnUpdate bool `yaml:"hide_on_update" json:"hideOnUpdate"`
	HideOnIndex  bool `yaml:"hide_on_index" json:"hideOnIndex"`
	HideOnDetail bool `yaml:"hide_on_detail" json:"hideOnDetail"`
	HideOnAPI    bool `yaml:"hide_on_api" json:"hideOnApi"`
}

// IsRelationshipField reports whether the field links to another resource.
func (f *Field) IsRelationshipField() bool {
	return f.Type == TypeBelongsTo || f.Type == TypeHasMany || f.Type == TypeBelongsToMany
}

// IsMany reports whether the field holds a list of related ids.
func (f *Field) IsMany() bool {
	return f.Type == TypeHasMany || f.Type == TypeBelongsToMany
}

// IsColumn reports whether the field is stored on the owning record.
// hasMany and belongsToMany live on the related table or a join table.
func (f *Field) IsColumn() bool {
	return !f.IsMany()
}

// IsUnique reports whether any rule list carries "unique".
func (f *Field) IsUnique() bool {
	return f.HasRule("unique")
}

// IsFilterable reports whether the field may appear in a filter expression.
func (f *Field) IsFilterable() bool {
	return f.Searchable || f.Filterable
}

// HasRule reports whether the named rule appears in any of the field's rule lists.
func (f *Field) HasRule(name string) bool {
	for _, list := range [][]string{f.Rules, f.CreationRules, f.UpdateRules} {
		for _, r := range list {
			if n, _ := ParseRule(r); n == name {
				return true
			}
		}
	}
	return false
}

// RulesFor returns the rule list applicable to a create or update.
func (f *Field) RulesFor(creating bool) []string {
	extra := f.UpdateRules
	if creating {
		extra = f.CreationRules
	}
	out := make([]string, 0, len(f.Rules)+len(extra))
	out = append(out, f.Rules...)
	out = append(out, extra...)
	return out
}

// ParseRule splits "max:64" into ("max", "64").
func ParseRule(rule string) (string, string) {
	name, arg, _ := strings.Cut(strings.TrimSpace(rule), ":")
	return name, arg
}

// normalize fills in the derived names.
func (f *Field) normalize() {
	if f.RelatedResource == "" && f.IsRelationshipField() {
		f.RelatedResource = f.Name
	}
	base := f.Name
	if f.IsMany() {
		base = Pluralize(f.Name)
	}
	if f.InputName == "" {
		f.InputName = strcase.ToLowerCamel(base)
	}
	if f.DatabaseField == "" {
		f.DatabaseField = strcase.ToSnake(base)
		if f.Type == TypeBelongsTo {
			f.DatabaseField += "_id"
		}
	}
}

// Pluralize returns a naive English plural used for slugs and table names.
func Pluralize(s string) string {
	lower := strings.ToLower(s)
	switch {
	case lower == "":
		return s
	case strings.HasSuffix(lower, "s"), strings.HasSuffix(lower, "x"),
		strings.HasSuffix(lower, "ch"), strings.HasSuffix(lower, "sh"):
		return s + "es"
	case strings.HasSuffix(lower, "y") && len(lower) > 1 && !strings.ContainsRune("aeiou", rune(lower[len(lower)-2])):
		return s[:len(s)-1] + "ies"
	default:
		return s + "s"
	}
}
