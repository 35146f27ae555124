package metadata

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleResources = `
resources:
  - name: Product
    per_page_options: [5, 15]
    fields:
      - name: Name
        type: text
        rules: [required, unique]
        searchable: true
      - name: Price
        type: decimal
        rules: ["min:0"]
      - name: Category
        type: belongsTo
  - name: Category
    fields:
      - name: Title
        type: text
      - name: Product
        type: hasMany
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources.yaml")
	if err := os.WriteFile(path, []byte(sampleResources), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	resources, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(resources))
	}

	reg, err := NewRegistry(resources...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	product := reg.Resource("products")
	if product == nil {
		t.Fatal("expected products slug")
	}
	if product.DefaultPerPage() != 5 {
		t.Fatalf("expected default per page 5, got %d", product.DefaultPerPage())
	}
	name := product.GetField("name")
	if !name.Searchable || !name.IsUnique() {
		t.Fatalf("expected searchable unique name, got %+v", name)
	}
	if f := reg.Resource("Category").GetField("products"); f.ForeignKey != "category_id" {
		t.Fatalf("expected foreign key category_id, got %s", f.ForeignKey)
	}
}

func TestParse_RejectsNamelessResource(t *testing.T) {
	if _, err := Parse([]byte("resources:\n  - table: things\n")); err == nil {
		t.Fatal("expected error for resource without name")
	}
}

func TestMerge_GoDeclarationsWin(t *testing.T) {
	base := []*Resource{{Name: "Post", Table: "articles"}}
	extra := []*Resource{{Name: "Post", Table: "posts"}, {Name: "Tag"}}

	merged := Merge(base, extra)
	if len(merged) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(merged))
	}
	if merged[0].Table != "articles" {
		t.Fatalf("expected Go declaration to win, got table %s", merged[0].Table)
	}
}
