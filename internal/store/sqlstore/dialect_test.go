package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParams_Placeholders(t *testing.T) {
	pg := NewDialect("postgres").Params()
	assert.Equal(t, "$1", pg.Add("a"))
	assert.Equal(t, "$2", pg.Add(2))
	assert.Equal(t, []any{"a", 2}, pg.Args())

	lite := NewDialect("sqlite").Params()
	assert.Equal(t, "?1", lite.Add("a"))
}

func TestDialect_ListExpressions(t *testing.T) {
	lite := NewDialect("sqlite")
	p := lite.Params()
	assert.Equal(t, "id IN (?1, ?2)", lite.InExpr("id", p, []any{int64(1), int64(2)}))
	assert.Equal(t, "1=0", lite.InExpr("id", p, nil))
	assert.Equal(t, "1=1", lite.NotInExpr("id", p, nil))

	pg := NewDialect("postgres")
	p = pg.Params()
	assert.Equal(t, "id = ANY($1)", pg.InExpr("id", p, []any{int64(1), 2}))
	assert.Equal(t, "name <> ALL($2)", pg.NotInExpr("name", p, []any{"a", "b"}))
	assert.Equal(t, []any{[]int64{1, 2}, []string{"a", "b"}}, p.Args())
}
