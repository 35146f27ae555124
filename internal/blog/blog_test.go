package blog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/auth"
	"github.com/tenseijs/tensei-sub000/internal/engine"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
	"github.com/tenseijs/tensei-sub000/internal/store/sqlstore"
)

func setup(t *testing.T) (*metadata.Registry, store.Adapter) {
	t.Helper()
	reg, err := metadata.NewRegistry(Resources()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	adapter := sqlstore.New(db, sqlstore.NewDialect("sqlite"), zap.NewNop())
	t.Cleanup(func() { adapter.Close() })
	if err := sqlstore.NewMigrator(adapter, reg).MigrateAll(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return reg, adapter
}

func manager(t *testing.T, reg *metadata.Registry, adapter store.Adapter, name string, p *metadata.Principal) *engine.Manager {
	t.Helper()
	var opts []engine.Option
	if p != nil {
		opts = append(opts, engine.WithAuthorizer(&engine.RoleAuthorizer{Policies: Policies()}))
	}
	m, err := engine.NewManager(reg, adapter, &engine.Request{Principal: p}, opts...).Resource(name)
	if err != nil {
		t.Fatalf("resource %s: %v", name, err)
	}
	return m
}

func TestResources_Register(t *testing.T) {
	reg, _ := setup(t)
	for _, slug := range []string{"users", "posts", "tags", "comments"} {
		if reg.Resource(slug) == nil {
			t.Fatalf("missing resource %s", slug)
		}
	}
	comments := reg.Resource("User").GetField("comments")
	if comments == nil || comments.ForeignKey != "user_id" {
		t.Fatalf("unexpected comments relation %+v", comments)
	}
}

func TestUser_PasswordIsHashed(t *testing.T) {
	reg, adapter := setup(t)
	users := manager(t, reg, adapter, "User", nil)
	ctx := context.Background()

	rec, err := users.Create(ctx, map[string]any{"fullName": "Ada", "email": "ada@example.com", "password": "correct horse"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hash, _ := rec["password"].(string)
	if !auth.CheckPassword("correct horse", hash) {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
	if rec["role"] != "reader" || rec["active"] != true {
		t.Fatalf("defaults not applied: %v", rec)
	}

	updated, err := users.Update(ctx, rec["id"], map[string]any{"password": "battery staple"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	hash, _ = updated["password"].(string)
	if !auth.CheckPassword("battery staple", hash) {
		t.Fatalf("expected rehashed password, got %q", hash)
	}

	_, err = users.Create(ctx, map[string]any{"fullName": "Bob", "email": "bob@example.com", "password": "short"})
	var appErr *engine.AppError
	if !errors.As(err, &appErr) || appErr.Status != 422 {
		t.Fatalf("expected validation error for short password, got %v", err)
	}
}

func TestPost_ArchiveAndPublish(t *testing.T) {
	reg, adapter := setup(t)
	posts := manager(t, reg, adapter, "Post", nil)
	ctx := context.Background()

	first, err := posts.Create(ctx, map[string]any{"title": "Go <fast>", "description": "d"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := posts.Create(ctx, map[string]any{"title": "Second", "description": "d"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first["status"] != StatusDraft {
		t.Fatalf("expected draft, got %v", first["status"])
	}

	out, err := posts.RunAction(ctx, "archive", []any{first["id"]}, nil)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if out.Kind != metadata.OutcomeHTML || out.Status != 201 || !strings.Contains(out.HTML, "Go &lt;fast&gt;") {
		t.Fatalf("unexpected outcome %+v", out)
	}
	archived, err := posts.FindOneByID(ctx, first["id"])
	if err != nil || archived["status"] != StatusArchived {
		t.Fatalf("expected archived post, got %v (%v)", archived, err)
	}

	if _, err := posts.RunAction(ctx, "publish", []any{second["id"]}, nil); err == nil {
		t.Fatal("expected publish without publishedAt to fail")
	}
	out, err = posts.RunAction(ctx, "publish", []any{second["id"]}, map[string]any{"publishedAt": "2024-05-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if out.Kind != metadata.OutcomeNotification || out.Message != "Published 1 posts." {
		t.Fatalf("unexpected outcome %+v", out)
	}

	out, err = posts.RunAction(ctx, "publish", []any{first["id"]}, map[string]any{"publishedAt": "2024-05-01T10:00:00Z"})
	if err != nil {
		t.Fatalf("publish archived: %v", err)
	}
	if out.Kind != metadata.OutcomeValidationErrors || len(out.Errors) != 1 {
		t.Fatalf("expected validation outcome, got %+v", out)
	}
}

func TestPolicies(t *testing.T) {
	reg, adapter := setup(t)
	ctx := context.Background()
	reader := &metadata.Principal{ID: "1", Roles: []string{"reader"}}
	editor := &metadata.Principal{ID: "2", Roles: []string{"editor"}}

	if _, err := manager(t, reg, adapter, "Post", reader).Create(ctx, map[string]any{"title": "T", "description": "d"}); err == nil {
		t.Fatal("reader should not create posts")
	}
	post, err := manager(t, reg, adapter, "Post", editor).Create(ctx, map[string]any{"title": "T", "description": "d"})
	if err != nil {
		t.Fatalf("editor create: %v", err)
	}
	if _, err := manager(t, reg, adapter, "Comment", reader).Create(ctx, map[string]any{"body": "nice", "post": post["id"]}); err != nil {
		t.Fatalf("reader comment: %v", err)
	}
	if _, err := manager(t, reg, adapter, "User", reader).FindAll(ctx, &engine.Query{}); err == nil {
		t.Fatal("reader should not list users")
	}
}
