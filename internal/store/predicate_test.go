package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicate_Match(t *testing.T) {
	rec := Record{"id": int64(3), "title": "A New Post", "views": float64(10), "published": true}

	cases := []struct {
		name string
		pred *Predicate
		want bool
	}{
		{"nil matches", nil, true},
		{"eq across int widths", Cond("id", OpEq, 3), true},
		{"neq", Cond("id", OpNeq, int64(3)), false},
		{"gt", Cond("views", OpGt, 5), true},
		{"lte", Cond("views", OpLte, 9), false},
		{"contains is case-insensitive", Cond("title", OpContains, "new"), true},
		{"in", Cond("id", OpIn, []any{int64(1), int64(3)}), true},
		{"nin", Cond("id", OpNin, []any{int64(1), int64(3)}), false},
		{"bool eq", Cond("published", OpEq, true), true},
		{"missing column eq nil", Cond("deleted_at", OpEq, nil), true},
		{"and", And(Cond("id", OpEq, 3), Cond("views", OpGt, 100)), false},
		{"or", Or(Cond("id", OpEq, 9), Cond("views", OpGt, 1)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pred.Match(rec))
		})
	}
}

func TestAndOr_DropNil(t *testing.T) {
	leaf := Cond("id", OpEq, 1)
	assert.Nil(t, And(nil, nil))
	assert.Same(t, leaf, And(nil, leaf))
	assert.Len(t, Or(leaf, leaf).Or, 2)
}

func TestIDString(t *testing.T) {
	assert.Equal(t, "12", IDString(float64(12)))
	assert.Equal(t, "12", IDString(int64(12)))
	assert.Equal(t, "abc", IDString("abc"))
	assert.Equal(t, "", IDString(nil))
}

func TestApplyOptions(t *testing.T) {
	records := []Record{
		{"id": int64(3), "title": "c"},
		{"id": int64(1), "title": "a"},
		{"id": int64(2), "title": "b"},
		{"id": int64(4), "title": "skip"},
	}

	page, total := ApplyOptions(records, FindOptions{
		Filter:     Cond("title", OpNeq, "skip"),
		Limit:      2,
		Offset:     1,
		Projection: []string{"title"},
	}, "id")

	assert.Equal(t, 3, total)
	assert.Equal(t, []Record{{"id": int64(2), "title": "b"}, {"id": int64(3), "title": "c"}}, page)

	page, _ = ApplyOptions(records, FindOptions{Sort: []SortField{{Column: "title", Desc: true}}}, "id")
	assert.Equal(t, "skip", page[0]["title"])
}
