// Package store defines the persistence contract the resource manager runs
// against. Concrete engines live in the sqlstore and redisstore subpackages.
package store

import (
	"context"
	"errors"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

var ErrNotFound = errors.New("not found")
var ErrUniqueViolation = errors.New("unique constraint violation")

// Record is one row or document, keyed by database field.
type Record = map[string]any

type SortField struct {
	Column string
	Desc   bool
}

// FindOptions scope a list query. A zero Limit means no limit.
type FindOptions struct {
	Filter     *Predicate
	Limit      int
	Offset     int
	Projection []string
	Sort       []SortField
}

// Adapter is implemented by every storage engine. Implementations must be
// safe for concurrent use; the manager holds no locks around them.
type Adapter interface {
	FindOneByID(ctx context.Context, res *metadata.Resource, id any) (Record, error)
	FindOneByField(ctx context.Context, res *metadata.Resource, column string, value any) (Record, error)
	FindOneByFieldExcludingOne(ctx context.Context, res *metadata.Resource, column string, value any, excludeID any) (Record, error)
	FindAllByIDs(ctx context.Context, res *metadata.Resource, ids []any) ([]Record, error)

	// FindAll returns one page of matching records and the total match count.
	FindAll(ctx context.Context, res *metadata.Resource, opts FindOptions) ([]Record, int, error)

	// FindAllBelongingToMany returns records of related linked to owner id
	// through the belongsToMany field.
	FindAllBelongingToMany(ctx context.Context, owner *metadata.Resource, field *metadata.Field, related *metadata.Resource, id any, opts FindOptions) ([]Record, int, error)

	Create(ctx context.Context, res *metadata.Resource, values Record) (Record, error)
	Update(ctx context.Context, res *metadata.Resource, id any, values Record) (Record, error)
	UpdateManyByIDs(ctx context.Context, res *metadata.Resource, ids []any, values Record) (int, error)
	DeleteByID(ctx context.Context, res *metadata.Resource, id any) error

	// AttachBelongsToMany replaces the set of related ids linked to owner id.
	AttachBelongsToMany(ctx context.Context, owner *metadata.Resource, field *metadata.Field, related *metadata.Resource, id any, relatedIDs []any) error

	Close() error
}
