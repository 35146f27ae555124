package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/engine"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
)

// RefreshTokenResource declares the resource refresh tokens are stored in.
// Register it alongside the application resources.
func RefreshTokenResource() *metadata.Resource {
	return &metadata.Resource{
		Name: "RefreshToken",
		Fields: []*metadata.Field{
			{Name: "Token", Type: metadata.TypeText, Rules: []string{"required", "unique"}, HideOnAPI: true},
			{Name: "Subject", Type: metadata.TypeText, Rules: []string{"required"}},
			{Name: "Expires At", Type: metadata.TypeInteger, Rules: []string{"required"}},
		},
	}
}

// Handler serves login, refresh, logout and me. Users and refresh tokens
// are ordinary resources read and written through the resource manager.
type Handler struct {
	registry     *metadata.Registry
	adapter      store.Adapter
	tokens       *Tokens
	userResource string
	log          *zap.Logger
}

// NewHandler creates a Handler. userResource names the resource holding
// email, password and role fields.
func NewHandler(reg *metadata.Registry, adapter store.Adapter, tokens *Tokens, userResource string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: reg, adapter: adapter, tokens: tokens, userResource: userResource, log: logger.Named("auth")}
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.BadRequestError("Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	ctx := c.UserContext()
	users, err := h.system(h.userResource)
	if err != nil {
		return err
	}

	user, err := users.FindOneByField(ctx, "email", body.Email)
	if err != nil {
		if isAppError(err) {
			return engine.UnauthorizedError("Invalid email or password")
		}
		return err
	}
	if !isActive(user) {
		return engine.UnauthorizedError("Account is disabled")
	}
	hash, _ := user["password"].(string)
	if !CheckPassword(body.Password, hash) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	pair, err := h.issue(ctx, principalFromUser(users.Current(), user))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh. The presented token is consumed.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body refreshBody
	if err := c.BodyParser(&body); err != nil {
		return engine.BadRequestError("Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.UserContext()
	tokens, err := h.system("RefreshToken")
	if err != nil {
		return err
	}
	stored, err := tokens.FindOneByField(ctx, "token", body.RefreshToken)
	if err != nil {
		if isAppError(err) {
			return engine.UnauthorizedError("Invalid refresh token")
		}
		return err
	}

	// Rotation: a refresh token is never usable twice.
	if _, err := tokens.DeleteByID(ctx, stored["id"]); err != nil {
		return err
	}
	if c, ok := store.Compare(stored["expires_at"], time.Now().Unix()); !ok || c < 0 {
		return engine.UnauthorizedError("Refresh token expired")
	}

	users, err := h.system(h.userResource)
	if err != nil {
		return err
	}
	user, err := users.FindOneByID(ctx, stored["subject"])
	if err != nil {
		if isAppError(err) {
			return engine.UnauthorizedError("Invalid refresh token")
		}
		return err
	}
	if !isActive(user) {
		return engine.UnauthorizedError("Account is disabled")
	}

	pair, err := h.issue(ctx, principalFromUser(users.Current(), user))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body refreshBody
	if err := c.BodyParser(&body); err != nil {
		return engine.BadRequestError("Invalid request body")
	}
	if body.RefreshToken == "" {
		return engine.UnauthorizedError("Refresh token is required")
	}

	ctx := c.UserContext()
	tokens, err := h.system("RefreshToken")
	if err != nil {
		return err
	}
	stored, err := tokens.FindOneByField(ctx, "token", body.RefreshToken)
	if err == nil {
		_, err = tokens.DeleteByID(ctx, stored["id"])
	}
	if err != nil && !isAppError(err) {
		return err
	}
	return c.JSON(fiber.Map{"message": "Logged out"})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(c *fiber.Ctx) error {
	p := PrincipalFrom(c)
	if p == nil {
		return engine.UnauthorizedError("Missing auth token")
	}
	return c.JSON(fiber.Map{"data": p})
}

// RegisterRoutes registers auth routes. authMW guards /me.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	auth := app.Group("/api/auth")
	auth.Post("/login", h.Login)
	auth.Post("/refresh", h.Refresh)
	auth.Post("/logout", h.Logout)
	auth.Get("/me", authMW, h.Me)
}

// system returns a manager for internal lookups, outside the permission gate.
func (h *Handler) system(resource string) (*engine.Manager, error) {
	m, err := engine.NewManager(h.registry, h.adapter, nil, engine.WithLogger(h.log)).Resource(resource)
	if err != nil {
		return nil, fmt.Errorf("auth resource %s: %w", resource, err)
	}
	return m, nil
}

func (h *Handler) issue(ctx context.Context, p *metadata.Principal) (*TokenPair, error) {
	access, err := h.tokens.Issue(p)
	if err != nil {
		return nil, err
	}

	tokens, err := h.system("RefreshToken")
	if err != nil {
		return nil, err
	}
	refresh := NewRefreshToken()
	if _, err := tokens.Create(ctx, map[string]any{
		"token":     refresh,
		"subject":   p.ID,
		"expiresAt": time.Now().Add(h.tokens.RefreshTTL).Unix(),
	}); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	h.log.Debug("tokens issued", zap.String("subject", p.ID))
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func principalFromUser(res *metadata.Resource, user store.Record) *metadata.Principal {
	email, _ := user["email"].(string)
	roles := extractRoles(user["roles"])
	if len(roles) == 0 {
		roles = extractRoles(user["role"])
	}
	return &metadata.Principal{
		ID:    store.IDString(user[res.PrimaryKey]),
		Email: email,
		Roles: roles,
	}
}

// isActive treats a missing active column as active.
func isActive(user store.Record) bool {
	active, ok := user["active"].(bool)
	return !ok || active
}

func isAppError(err error) bool {
	var appErr *engine.AppError
	return errors.As(err, &appErr)
}

func extractRoles(v any) []string {
	switch roles := v.(type) {
	case string:
		if roles == "" {
			return []string{}
		}
		return []string{roles}
	case []string:
		return roles
	case []any:
		result := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return []string{}
	}
}
