package metadata

import (
	"context"
	"strings"
	"testing"
)

func blogResources() []*Resource {
	return []*Resource{
		{
			Name: "User",
			Fields: []*Field{
				{Name: "Full Name", Type: TypeText, Rules: []string{"required"}},
				{Name: "Email", Type: TypeText, Rules: []string{"required", "email", "unique"}},
				{Name: "Post", Type: TypeHasMany},
			},
		},
		{
			Name: "Post",
			Fields: []*Field{
				{Name: "Title", Type: TypeText, Rules: []string{"required", "unique"}},
				{Name: "User", Type: TypeBelongsTo},
				{Name: "Tag", Type: TypeBelongsToMany},
			},
		},
		{
			Name: "Tag",
			Fields: []*Field{
				{Name: "Name", Type: TypeText},
				{Name: "Post", Type: TypeBelongsToMany},
			},
		},
	}
}

func TestNewRegistry_DerivesNames(t *testing.T) {
	reg, err := NewRegistry(blogResources()...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	user := reg.Resource("User")
	if user == nil {
		t.Fatal("expected User resource")
	}
	if user.Slug != "users" || user.Table != "users" {
		t.Fatalf("expected slug/table users, got %s/%s", user.Slug, user.Table)
	}
	if user.PrimaryKey != "id" || user.KeyType != KeyInt {
		t.Fatalf("unexpected key %s/%s", user.PrimaryKey, user.KeyType)
	}
	if reg.Resource("users") != user {
		t.Fatal("expected lookup by slug to return the same resource")
	}

	fullName := user.GetField("fullName")
	if fullName == nil || fullName.DatabaseField != "full_name" {
		t.Fatalf("expected fullName -> full_name, got %+v", fullName)
	}

	posts := user.GetField("posts")
	if posts == nil || posts.Type != TypeHasMany {
		t.Fatalf("expected posts hasMany field, got %+v", posts)
	}
	if posts.ForeignKey != "user_id" {
		t.Fatalf("expected foreign key user_id, got %s", posts.ForeignKey)
	}

	post := reg.Resource("Post")
	if f := post.GetField("user"); f == nil || f.DatabaseField != "user_id" {
		t.Fatalf("expected belongsTo user -> user_id, got %+v", f)
	}
	tags := post.GetField("tags")
	if tags.JoinTable != "posts_tags" || tags.SourceJoinKey != "post_id" || tags.TargetJoinKey != "tag_id" {
		t.Fatalf("unexpected join table config %+v", tags)
	}
	inverse := reg.Resource("Tag").GetField("posts")
	if inverse.JoinTable != tags.JoinTable || inverse.SourceJoinKey != "tag_id" {
		t.Fatalf("expected inverse side to share join table, got %+v", inverse)
	}
}

func TestNewRegistry_DefaultPermissions(t *testing.T) {
	res := &Resource{Name: "Category"}
	res.WithActions(NewAction("Archive", func(ctx context.Context, in *ActionInput) (Outcome, error) {
		return Notify("ok", ""), nil
	}))

	reg, err := NewRegistry(res)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	got := strings.Join(reg.Resource("categories").Permissions, ",")
	want := "fetch:categories,create:categories,update:categories,delete:categories,run:archive:categories"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestNewRegistry_RejectsUnknownRelation(t *testing.T) {
	_, err := NewRegistry(&Resource{
		Name:   "Post",
		Fields: []*Field{{Name: "Author", Type: TypeBelongsTo, RelatedResource: "Writer"}},
	})
	if err == nil || !strings.Contains(err.Error(), "Writer") {
		t.Fatalf("expected unknown resource error, got %v", err)
	}
}

func TestNewRegistry_RejectsDuplicateDatabaseField(t *testing.T) {
	_, err := NewRegistry(&Resource{
		Name: "Post",
		Fields: []*Field{
			{Name: "Title", Type: TypeText},
			{Name: "Heading", DatabaseField: "title", Type: TypeText},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate database field") {
		t.Fatalf("expected duplicate database field error, got %v", err)
	}
}

func TestNewRegistry_RejectsDuplicateSlug(t *testing.T) {
	_, err := NewRegistry(&Resource{Name: "Post"}, &Resource{Name: "Article", Slug: "posts"})
	if err == nil {
		t.Fatal("expected duplicate slug error")
	}
}

func TestResource_ClampPerPage(t *testing.T) {
	res := &Resource{Name: "Post", PerPageOptions: []int{5, 20}}
	res.normalize()

	cases := map[int]int{0: 5, -1: 5, 3: 3, 20: 20, 500: 20}
	for in, want := range cases {
		if got := res.ClampPerPage(in); got != want {
			t.Fatalf("ClampPerPage(%d): expected %d, got %d", in, want, got)
		}
	}
}

func TestResource_NormalizeID(t *testing.T) {
	res := &Resource{Name: "Post"}
	res.normalize()

	id, err := res.NormalizeID("42")
	if err != nil || id != int64(42) {
		t.Fatalf("expected int64 42, got %v (%v)", id, err)
	}
	id, err = res.NormalizeID(float64(7))
	if err != nil || id != int64(7) {
		t.Fatalf("expected int64 7, got %v (%v)", id, err)
	}
	if _, err := res.NormalizeID("abc"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}

	res.KeyType = KeyUUID
	id, err = res.NormalizeID("0b0f9a1e-2f44-4c5a-9d44-2a3f0e0d2a11")
	if err != nil || id != "0b0f9a1e-2f44-4c5a-9d44-2a3f0e0d2a11" {
		t.Fatalf("expected uuid passthrough, got %v (%v)", id, err)
	}
}

func TestPluralize(t *testing.T) {
	cases := map[string]string{"Post": "Posts", "Category": "Categories", "Day": "Days", "Box": "Boxes", "Status": "Statuses"}
	for in, want := range cases {
		if got := Pluralize(in); got != want {
			t.Fatalf("Pluralize(%s): expected %s, got %s", in, want, got)
		}
	}
}

func TestParseRule(t *testing.T) {
	name, arg := ParseRule("max:64")
	if name != "max" || arg != "64" {
		t.Fatalf("expected max/64, got %s/%s", name, arg)
	}
	name, arg = ParseRule("expr:value > 0 && value < 10")
	if name != "expr" || arg != "value > 0 && value < 10" {
		t.Fatalf("unexpected expr rule parse %s/%s", name, arg)
	}
	name, arg = ParseRule("required")
	if name != "required" || arg != "" {
		t.Fatalf("expected required with no arg, got %s/%s", name, arg)
	}
}
