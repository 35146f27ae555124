package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/instrument"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

var errNoResource = errors.New("engine: no resource selected")

// Request is what a transport hands the Manager.
type Request struct {
	Principal *metadata.Principal
	Body      map[string]any
	Query     map[string]string
	Params    map[string]string
}

// Page is the result of a paginated read.
type Page struct {
	Data      []store.Record `json:"data"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	PerPage   int            `json:"perPage"`
	PageCount int            `json:"pageCount"`
}

func newPage(rows []store.Record, total, page, perPage int) *Page {
	if rows == nil {
		rows = []store.Record{}
	}
	pageCount := 0
	if perPage > 0 {
		pageCount = (total + perPage - 1) / perPage
	}
	return &Page{Data: rows, Total: total, Page: page, PerPage: perPage, PageCount: pageCount}
}

// Manager runs CRUD, relationship and action operations for one request.
// Create one per request with NewManager and select a resource with Resource.
type Manager struct {
	registry   *metadata.Registry
	adapter    store.Adapter
	request    *Request
	resource   *metadata.Resource
	authorizer Authorizer
	log        *zap.Logger
}

type Option func(*Manager)

// WithAuthorizer installs the permission gate. Without one every operation is allowed.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Manager) { m.authorizer = a }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func NewManager(reg *metadata.Registry, adapter store.Adapter, req *Request, opts ...Option) *Manager {
	if req == nil {
		req = &Request{}
	}
	m := &Manager{registry: reg, adapter: adapter, request: req, log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resource returns a Manager bound to the named resource.
func (m *Manager) Resource(nameOrSlug string) (*Manager, error) {
	res := m.registry.Resource(nameOrSlug)
	if res == nil {
		return nil, UnknownResourceError(nameOrSlug)
	}
	return m.withResource(res), nil
}

func (m *Manager) withResource(res *metadata.Resource) *Manager {
	cp := *m
	cp.resource = res
	return &cp
}

// Current returns the selected resource.
func (m *Manager) Current() *metadata.Resource {
	return m.resource
}

// Request returns the transport context the Manager was built with.
func (m *Manager) Request() *Request {
	return m.request
}

func (m *Manager) requireResource() error {
	if m.resource == nil {
		return errNoResource
	}
	return nil
}

func (m *Manager) principal() *metadata.Principal {
	return m.request.Principal
}

func (m *Manager) startSpan(ctx context.Context, action string) (context.Context, instrument.Span) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "manager", action)
	span.SetEntity(m.resource.Name, "")
	return ctx, span
}

func endSpan(span instrument.Span, err error) {
	if err != nil {
		span.SetStatus("error")
	}
	span.End()
}

// FindAll returns one page of records matching the query.
func (m *Manager) FindAll(ctx context.Context, q *Query) (page *Page, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.find_all")
	defer func() { endSpan(span, err) }()

	if err := m.authorize(ctx, m.resource, "fetch"); err != nil {
		return nil, err
	}
	if q == nil {
		q = &Query{}
	}
	opts, pageNum, perPage, err := m.findOptions(m.resource, q)
	if err != nil {
		return nil, err
	}
	if _, err := relationFields(m.resource, q.With); err != nil {
		return nil, err
	}

	rows, total, err := m.adapter.FindAll(ctx, m.resource, opts)
	if err != nil {
		return nil, fmt.Errorf("find all %s: %w", m.resource.Table, err)
	}
	if err := m.Populate(ctx, rows, q.With); err != nil {
		return nil, err
	}
	span.SetMetadata("total", total)
	return newPage(rows, total, pageNum, perPage), nil
}

// findOptions validates the query against res and converts it to adapter options.
func (m *Manager) findOptions(res *metadata.Resource, q *Query) (store.FindOptions, int, int, error) {
	filter, err := filterCompiler{registry: m.registry, resource: res}.compile(q)
	if err != nil {
		return store.FindOptions{}, 0, 0, err
	}
	sorts, err := sortFields(res, q.Sort)
	if err != nil {
		return store.FindOptions{}, 0, 0, err
	}
	cols, err := projection(res, q.Fields)
	if err != nil {
		return store.FindOptions{}, 0, 0, err
	}
	if len(cols) > 0 {
		// belongsTo population needs the foreign key column.
		for _, name := range q.With {
			if f := res.GetField(name); f != nil && f.Type == metadata.TypeBelongsTo {
				cols = append(cols, f.DatabaseField)
			}
		}
	}

	pageNum := q.Page
	if pageNum < 1 {
		pageNum = 1
	}
	perPage := res.ClampPerPage(q.PerPage)
	return store.FindOptions{
		Filter:     filter,
		Limit:      perPage,
		Offset:     (pageNum - 1) * perPage,
		Projection: cols,
		Sort:       sorts,
	}, pageNum, perPage, nil
}

// FindOneByID returns the record with the given primary key.
func (m *Manager) FindOneByID(ctx context.Context, id any) (rec store.Record, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.find_one_by_id")
	defer func() { endSpan(span, err) }()

	if err := m.authorize(ctx, m.resource, "fetch"); err != nil {
		return nil, err
	}
	return m.load(ctx, id)
}

// load fetches a record by id without the authorization gate.
func (m *Manager) load(ctx context.Context, id any) (store.Record, error) {
	key, err := m.resource.NormalizeID(id)
	if err != nil {
		return nil, NotFoundError(m.resource.Name, id)
	}
	rec, err := m.adapter.FindOneByID(ctx, m.resource, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NotFoundError(m.resource.Name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %v: %w", m.resource.Table, id, err)
	}
	return rec, nil
}

// FindOneByField returns the first record whose field equals value.
func (m *Manager) FindOneByField(ctx context.Context, field string, value any) (rec store.Record, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.find_one_by_field")
	defer func() { endSpan(span, err) }()

	f := m.resource.GetField(field)
	if f == nil || !f.IsColumn() {
		return nil, InvalidFieldError(m.resource.Name, field)
	}
	if err := m.authorize(ctx, m.resource, "fetch"); err != nil {
		return nil, err
	}
	return m.loadByField(ctx, f, value)
}

func (m *Manager) loadByField(ctx context.Context, f *metadata.Field, value any) (store.Record, error) {
	if f.Type == metadata.TypeBelongsTo {
		if id, err := m.registry.Resource(f.RelatedResource).NormalizeID(value); err == nil {
			value = id
		}
	} else if v, err := coerceFilterValue(f, value); err == nil {
		value = v
	}
	rec, err := m.adapter.FindOneByField(ctx, m.resource, f.DatabaseField, value)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AppError{
			Code:    "NOT_FOUND",
			Status:  404,
			Message: fmt.Sprintf("Could not find %s with %s %v.", m.resource.Name, f.InputName, value),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", m.resource.Table, f.DatabaseField, err)
	}
	return rec, nil
}

// Create validates payload, runs the create hooks and persists the record.
func (m *Manager) Create(ctx context.Context, payload map[string]any) (rec store.Record, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.create")
	defer func() { endSpan(span, err) }()

	res := m.resource
	if err := m.authorize(ctx, res, "create"); err != nil {
		return nil, err
	}

	input := withDefaults(res, payload)
	errs, clean, err := NewValidator(m.registry, m.adapter, res).Validate(ctx, input, true, nil)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}

	event := &metadata.HookEvent{Resource: res, Principal: m.principal(), Payload: clean}
	if err := runHooks(ctx, res.Hooks.BeforeCreate, event); err != nil {
		return nil, err
	}

	values, relations := partition(res, event.Payload)
	created, err := m.adapter.Create(ctx, res, values)
	if err != nil {
		return nil, m.writeError(err, "create")
	}
	id := created[res.PrimaryKey]
	span.SetEntity(res.Name, store.IDString(id))

	if err := m.syncRelationships(ctx, id, relations, false); err != nil {
		// Leave no record behind without the links it was created with.
		if derr := m.adapter.DeleteByID(ctx, res, id); derr != nil {
			m.log.Warn("rollback of partial create failed",
				zap.String("resource", res.Name), zap.String("id", store.IDString(id)), zap.Error(derr))
		}
		return nil, err
	}

	event.Record = created
	if err := runHooks(ctx, res.Hooks.AfterCreate, event); err != nil {
		return nil, err
	}
	m.log.Debug("record created", zap.String("resource", res.Name), zap.String("id", store.IDString(id)))
	return created, nil
}

// Update validates payload against the existing record and persists the change.
func (m *Manager) Update(ctx context.Context, id any, payload map[string]any) (rec store.Record, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.update")
	defer func() { endSpan(span, err) }()

	if err := m.authorize(ctx, m.resource, "update"); err != nil {
		return nil, err
	}
	existing, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.update(ctx, span, existing, payload)
}

// UpdateOneByField updates the record whose field equals value.
func (m *Manager) UpdateOneByField(ctx context.Context, field string, value any, payload map[string]any) (rec store.Record, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.update_one_by_field")
	defer func() { endSpan(span, err) }()

	f := m.resource.GetField(field)
	if f == nil || !f.IsColumn() {
		return nil, InvalidFieldError(m.resource.Name, field)
	}
	if err := m.authorize(ctx, m.resource, "update"); err != nil {
		return nil, err
	}
	existing, err := m.loadByField(ctx, f, value)
	if err != nil {
		return nil, err
	}
	return m.update(ctx, span, existing, payload)
}

func (m *Manager) update(ctx context.Context, span instrument.Span, existing store.Record, payload map[string]any) (store.Record, error) {
	res := m.resource
	id := existing[res.PrimaryKey]
	span.SetEntity(res.Name, store.IDString(id))

	errs, clean, err := NewValidator(m.registry, m.adapter, res).Validate(ctx, payload, false, id)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}

	changeSet := make(map[string]any, len(clean))
	for k, v := range clean {
		changeSet[k] = v
	}
	event := &metadata.HookEvent{Resource: res, Principal: m.principal(), Payload: clean, ChangeSet: changeSet, Record: existing}
	if err := runHooks(ctx, res.Hooks.BeforeUpdate, event); err != nil {
		return nil, err
	}

	values, relations := partition(res, event.Payload)
	updated := existing
	if len(values) > 0 {
		updated, err = m.adapter.Update(ctx, res, id, values)
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError(res.Name, id)
		}
		if err != nil {
			return nil, m.writeError(err, "update")
		}
	}

	if err := m.syncRelationships(ctx, id, relations, true); err != nil {
		return nil, err
	}

	event.Record = updated
	if err := runHooks(ctx, res.Hooks.AfterUpdate, event); err != nil {
		return nil, err
	}
	m.log.Debug("record updated", zap.String("resource", res.Name), zap.String("id", store.IDString(id)))
	return updated, nil
}

// DeleteByID removes the record and returns it as it was before deletion.
func (m *Manager) DeleteByID(ctx context.Context, id any) (rec store.Record, err error) {
	if err := m.requireResource(); err != nil {
		return nil, err
	}
	ctx, span := m.startSpan(ctx, "manager.delete")
	defer func() { endSpan(span, err) }()

	res := m.resource
	if err := m.authorize(ctx, res, "delete"); err != nil {
		return nil, err
	}
	existing, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	key := existing[res.PrimaryKey]
	span.SetEntity(res.Name, store.IDString(key))

	event := &metadata.HookEvent{Resource: res, Principal: m.principal(), Record: existing}
	if err := runHooks(ctx, res.Hooks.BeforeDelete, event); err != nil {
		return nil, err
	}

	if err := m.adapter.DeleteByID(ctx, res, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError(res.Name, id)
		}
		return nil, fmt.Errorf("delete %s %v: %w", res.Table, id, err)
	}

	if err := runHooks(ctx, res.Hooks.AfterDelete, event); err != nil {
		return nil, err
	}
	m.log.Debug("record deleted", zap.String("resource", res.Name), zap.String("id", store.IDString(key)))
	return existing, nil
}

// writeError maps storage-level unique violations to a Conflict.
func (m *Manager) writeError(err error, op string) error {
	if errors.Is(err, store.ErrUniqueViolation) {
		return ConflictError(fmt.Sprintf("A %s with the same unique value already exists.", strings.ToLower(m.resource.Name)))
	}
	return fmt.Errorf("%s %s: %w", op, m.resource.Table, err)
}

// runHooks calls hooks in order. The first error stops the chain and is
// returned unchanged.
func runHooks(ctx context.Context, hooks []metadata.HookFunc, e *metadata.HookEvent) error {
	for _, h := range hooks {
		if err := h(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// withDefaults returns a copy of payload with field defaults for absent keys.
func withDefaults(res *metadata.Resource, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, f := range res.Fields {
		if f.Default == nil {
			continue
		}
		if _, ok := out[f.InputName]; !ok {
			out[f.InputName] = f.Default
		}
	}
	return out
}
