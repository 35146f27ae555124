package engine

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

// PrincipalKey is the fiber Locals key the auth middleware stores the principal under.
const PrincipalKey = "principal"

type Handler struct {
	registry   *metadata.Registry
	adapter    store.Adapter
	authorizer Authorizer
	log        *zap.Logger
}

func NewHandler(reg *metadata.Registry, adapter store.Adapter, authorizer Authorizer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: reg, adapter: adapter, authorizer: authorizer, log: logger}
}

// List handles GET /api/:resource
func (h *Handler) List(c *fiber.Ctx) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	q, err := ParseQuery(c.Queries())
	if err != nil {
		return err
	}
	page, err := m.FindAll(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": h.presentAll(m.Current(), page.Data),
		"meta": fiber.Map{
			"total":     page.Total,
			"page":      page.Page,
			"perPage":   page.PerPage,
			"pageCount": page.PageCount,
		},
	})
}

// Get handles GET /api/:resource/:id
func (h *Handler) Get(c *fiber.Ctx) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	rec, err := m.FindOneByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if with := splitAndTrim(c.Query("with")); len(with) > 0 {
		if err := m.Populate(c.UserContext(), []store.Record{rec}, with); err != nil {
			return err
		}
	}
	return c.JSON(fiber.Map{"data": h.present(m.Current(), rec)})
}

// Related handles GET /api/:resource/:id/:related
func (h *Handler) Related(c *fiber.Ctx) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	q, err := ParseQuery(c.Queries())
	if err != nil {
		return err
	}
	page, err := m.FindAllRelatedResource(c.UserContext(), c.Params("id"), c.Params("related"), q)
	if err != nil {
		return err
	}
	related := h.registry.Resource(c.Params("related"))
	return c.JSON(fiber.Map{
		"data": h.presentAll(related, page.Data),
		"meta": fiber.Map{
			"total":     page.Total,
			"page":      page.Page,
			"perPage":   page.PerPage,
			"pageCount": page.PageCount,
		},
	})
}

// Create handles POST /api/:resource
func (h *Handler) Create(c *fiber.Ctx) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	body := m.request.Body
	rec, err := m.Create(c.UserContext(), body)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": h.present(m.Current(), rec)})
}

// Update handles PATCH /api/:resource/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	body := m.request.Body
	rec, err := m.Update(c.UserContext(), c.Params("id"), body)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.present(m.Current(), rec)})
}

// Delete handles DELETE /api/:resource/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	rec, err := m.DeleteByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": h.present(m.Current(), rec)})
}

// RunAction handles POST /api/:resource/actions/:action with body {ids, payload}.
func (h *Handler) RunAction(c *fiber.Ctx) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	body := m.request.Body
	ids, ok := idList(body["ids"])
	if !ok {
		return BadRequestError("ids must be an array")
	}
	payload, _ := body["payload"].(map[string]any)

	out, err := m.RunAction(c.UserContext(), c.Params("action"), ids, payload)
	if err != nil {
		return err
	}
	status := out.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(out)
}

// Resources handles GET /api/_resources
func (h *Handler) Resources(c *fiber.Ctx) error {
	var out []fiber.Map
	for _, res := range h.registry.All() {
		var fields []*metadata.Field
		for _, f := range res.Fields {
			if !f.HideOnAPI {
				fields = append(fields, f)
			}
		}
		var actions []fiber.Map
		for _, a := range res.Actions {
			actions = append(actions, fiber.Map{"name": a.Name, "slug": a.Slug, "fields": a.Fields})
		}
		out = append(out, fiber.Map{
			"name":           res.Name,
			"slug":           res.Slug,
			"primaryKey":     res.PrimaryKey,
			"fields":         fields,
			"actions":        actions,
			"perPageOptions": res.PerPageOptions,
			"permissions":    res.Permissions,
		})
	}
	return c.JSON(fiber.Map{"data": out})
}

// manager builds the request context (principal, parsed body, query and
// route params) and selects the resource named in the route.
func (h *Handler) manager(c *fiber.Ctx) (*Manager, error) {
	principal, _ := c.Locals(PrincipalKey).(*metadata.Principal)
	body, err := parseBody(c)
	if err != nil {
		return nil, err
	}
	req := &Request{
		Principal: principal,
		Body:      body,
		Query:     c.Queries(),
		Params:    c.AllParams(),
	}
	m := NewManager(h.registry, h.adapter, req, WithAuthorizer(h.authorizer), WithLogger(h.log))
	return m.Resource(c.Params("resource"))
}

func parseBody(c *fiber.Ctx) (map[string]any, error) {
	body := map[string]any{}
	if len(c.Body()) == 0 {
		return body, nil
	}
	if err := c.BodyParser(&body); err != nil {
		return nil, BadRequestError("Invalid JSON body")
	}
	return body, nil
}

// present removes fields hidden from the API, including on populated relations.
func (h *Handler) present(res *metadata.Resource, rec store.Record) store.Record {
	if rec == nil || res == nil {
		return rec
	}
	out := make(store.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, f := range res.Fields {
		if f.HideOnAPI {
			delete(out, f.DatabaseField)
			delete(out, f.InputName)
			continue
		}
		if !f.IsRelationshipField() {
			continue
		}
		related := h.registry.Resource(f.RelatedResource)
		switch v := out[f.InputName].(type) {
		case store.Record:
			out[f.InputName] = h.present(related, v)
		case []store.Record:
			out[f.InputName] = h.presentAll(related, v)
		}
	}
	return out
}

func (h *Handler) presentAll(res *metadata.Resource, rows []store.Record) []store.Record {
	out := make([]store.Record, len(rows))
	for i, rec := range rows {
		out[i] = h.present(res, rec)
	}
	return out
}
