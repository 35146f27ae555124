package sqlstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenseijs/tensei-sub000/internal/store"
)

func newPostgresMock(t *testing.T) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, NewDialect("postgres"), nil), mock
}

func TestPostgres_FindAllSQL(t *testing.T) {
	a, mock := newPostgresMock(t)
	posts := testRegistry(t).Resource("Post")

	mock.ExpectQuery(`SELECT id, title FROM posts WHERE (title::text ILIKE $1 AND views > $2) ORDER BY title DESC LIMIT $3 OFFSET $4`).
		WithArgs("%go%", int64(5), int64(10), int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title"}).AddRow(int64(7), "Go"))
	mock.ExpectQuery(`SELECT COUNT(*) AS total FROM posts WHERE (title::text ILIKE $1 AND views > $2)`).
		WithArgs("%go%", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(21)))

	rows, total, err := a.FindAll(context.Background(), posts, store.FindOptions{
		Filter:     store.And(store.Cond("title", store.OpContains, "go"), store.Cond("views", store.OpGt, int64(5))),
		Sort:       []store.SortField{{Column: "title", Desc: true}},
		Limit:      10,
		Offset:     20,
		Projection: []string{"title"},
	})
	require.NoError(t, err)
	assert.Equal(t, 21, total)
	assert.Equal(t, []store.Record{{"id": int64(7), "title": "Go"}}, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_BelongsToManySQL(t *testing.T) {
	a, mock := newPostgresMock(t)
	reg := testRegistry(t)
	posts, tags := reg.Resource("Post"), reg.Resource("Tag")

	mock.ExpectQuery(`SELECT t.* FROM tags t INNER JOIN posts_tags j ON j.tag_id = t.id WHERE j.post_id = $1 ORDER BY t.id ASC`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "go"))
	mock.ExpectQuery(`SELECT COUNT(*) AS total FROM tags t INNER JOIN posts_tags j ON j.tag_id = t.id WHERE j.post_id = $1`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(1)))

	rows, total, err := a.FindAllBelongingToMany(context.Background(), posts, posts.GetField("tags"), tags, int64(3), store.FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "go", rows[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolation(t *testing.T) {
	a, mock := newPostgresMock(t)
	users := testRegistry(t).Resource("User")

	mock.ExpectQuery(`INSERT INTO users (email) VALUES ($1) RETURNING *`).
		WithArgs("taken@example.com").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := a.Create(context.Background(), users, store.Record{"email": "taken@example.com"})
	assert.ErrorIs(t, err, store.ErrUniqueViolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateMissingRow(t *testing.T) {
	a, mock := newPostgresMock(t)
	users := testRegistry(t).Resource("User")

	mock.ExpectQuery(`UPDATE users SET email = $1 WHERE id = $2 RETURNING *`).
		WithArgs("new@example.com", int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}))

	_, err := a.Update(context.Background(), users, int64(9), store.Record{"email": "new@example.com"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteClearsJoinRows(t *testing.T) {
	a, mock := newPostgresMock(t)
	posts := testRegistry(t).Resource("Post")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM posts_tags WHERE post_id = $1`).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM posts WHERE id = $1`).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, a.DeleteByID(context.Background(), posts, int64(2)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
