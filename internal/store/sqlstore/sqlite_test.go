package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg, err := metadata.NewRegistry(
		&metadata.Resource{
			Name: "User",
			Fields: []*metadata.Field{
				{Name: "Email", Type: metadata.TypeText, Rules: []string{"unique"}},
				{Name: "Post", Type: metadata.TypeHasMany},
			},
		},
		&metadata.Resource{
			Name: "Post",
			Fields: []*metadata.Field{
				{Name: "Title", Type: metadata.TypeText, Rules: []string{"unique"}, Searchable: true},
				{Name: "Views", Type: metadata.TypeInteger},
				{Name: "Published", Type: metadata.TypeBoolean},
				{Name: "Meta", Type: metadata.TypeJSON},
				{Name: "User", Type: metadata.TypeBelongsTo},
				{Name: "Tag", Type: metadata.TypeBelongsToMany},
			},
		},
		&metadata.Resource{
			Name: "Tag",
			Fields: []*metadata.Field{
				{Name: "Name", Type: metadata.TypeText},
				{Name: "Post", Type: metadata.TypeBelongsToMany},
			},
		},
	)
	require.NoError(t, err)
	return reg
}

func newSQLite(t *testing.T) (*Adapter, *metadata.Registry) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	reg := testRegistry(t)
	a := New(db, NewDialect("sqlite"), zap.NewNop())
	require.NoError(t, NewMigrator(a, reg).MigrateAll(context.Background()))
	return a, reg
}

func TestSQLite_CreateFindUpdateDelete(t *testing.T) {
	ctx := context.Background()
	a, reg := newSQLite(t)
	posts := reg.Resource("Post")

	created, err := a.Create(ctx, posts, store.Record{
		"title":     "Hello",
		"views":     int64(3),
		"published": true,
		"meta":      map[string]any{"lang": "en"},
	})
	require.NoError(t, err)
	id := created["id"]
	assert.Equal(t, int64(1), id)
	assert.Equal(t, true, created["published"])
	assert.Equal(t, map[string]any{"lang": "en"}, created["meta"])

	found, err := a.FindOneByField(ctx, posts, "title", "Hello")
	require.NoError(t, err)
	assert.Equal(t, id, found["id"])

	_, err = a.FindOneByFieldExcludingOne(ctx, posts, "title", "Hello", id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	updated, err := a.Update(ctx, posts, id, store.Record{"views": int64(4), "published": false})
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated["views"])
	assert.Equal(t, false, updated["published"])

	require.NoError(t, a.DeleteByID(ctx, posts, id))
	_, err = a.FindOneByID(ctx, posts, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, a.DeleteByID(ctx, posts, id), store.ErrNotFound)
}

func TestSQLite_UniqueIndexMapsToSentinel(t *testing.T) {
	ctx := context.Background()
	a, reg := newSQLite(t)
	users := reg.Resource("User")

	_, err := a.Create(ctx, users, store.Record{"email": "a@example.com"})
	require.NoError(t, err)
	_, err = a.Create(ctx, users, store.Record{"email": "a@example.com"})
	assert.ErrorIs(t, err, store.ErrUniqueViolation)
}

func TestSQLite_FindAllFilterSortPage(t *testing.T) {
	ctx := context.Background()
	a, reg := newSQLite(t)
	posts := reg.Resource("Post")

	for i, title := range []string{"Go tips", "Rust tips", "Go generics", "Cooking"} {
		_, err := a.Create(ctx, posts, store.Record{"title": title, "views": int64(i * 10)})
		require.NoError(t, err)
	}

	rows, total, err := a.FindAll(ctx, posts, store.FindOptions{
		Filter:     store.Cond("title", store.OpContains, "go"),
		Sort:       []store.SortField{{Column: "views", Desc: true}},
		Limit:      1,
		Projection: []string{"title"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "Go generics", rows[0]["title"])
	assert.NotContains(t, rows[0], "views")

	rows, total, err = a.FindAll(ctx, posts, store.FindOptions{
		Filter: store.Or(store.Cond("views", store.OpGte, 20), store.Cond("id", store.OpIn, []any{int64(1)})),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 3)
}

func TestSQLite_BelongsToManyAndUpdateMany(t *testing.T) {
	ctx := context.Background()
	a, reg := newSQLite(t)
	posts, tags, users := reg.Resource("Post"), reg.Resource("Tag"), reg.Resource("User")
	field := posts.GetField("tags")

	post, err := a.Create(ctx, posts, store.Record{"title": "Tagged"})
	require.NoError(t, err)
	var tagIDs []any
	for _, name := range []string{"go", "db", "unused"} {
		tag, err := a.Create(ctx, tags, store.Record{"name": name})
		require.NoError(t, err)
		tagIDs = append(tagIDs, tag["id"])
	}

	require.NoError(t, a.AttachBelongsToMany(ctx, posts, field, tags, post["id"], tagIDs[:2]))
	related, total, err := a.FindAllBelongingToMany(ctx, posts, field, tags, post["id"], store.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "go", related[0]["name"])

	// Re-attaching replaces the set.
	require.NoError(t, a.AttachBelongsToMany(ctx, posts, field, tags, post["id"], tagIDs[2:]))
	related, _, err = a.FindAllBelongingToMany(ctx, posts, field, tags, post["id"], store.FindOptions{})
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "unused", related[0]["name"])

	user, err := a.Create(ctx, users, store.Record{"email": "owner@example.com"})
	require.NoError(t, err)
	n, err := a.UpdateManyByIDs(ctx, posts, []any{post["id"]}, store.Record{"user_id": user["id"]})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	found, err := a.FindAllByIDs(ctx, posts, []any{post["id"], int64(999)})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, user["id"], found[0]["user_id"])
}

func TestMigrator_AddsMissingColumns(t *testing.T) {
	ctx := context.Background()
	a, reg := newSQLite(t)
	posts := reg.Resource("Post")

	posts.Fields = append(posts.Fields, &metadata.Field{Name: "subtitle", DatabaseField: "subtitle", InputName: "subtitle", Type: metadata.TypeText})
	require.NoError(t, NewMigrator(a, reg).Migrate(ctx, posts))

	cols, err := a.Dialect.Columns(ctx, a.DB, "posts")
	require.NoError(t, err)
	assert.Contains(t, cols, "subtitle")
}
