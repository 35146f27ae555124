package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/engine"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
	"github.com/tenseijs/tensei-sub000/internal/store/sqlstore"
)

const testSecret = "test-secret"

func TestTokens_RoundTrip(t *testing.T) {
	tokens := NewTokens(testSecret)
	in := &metadata.Principal{ID: "7", Email: "ada@example.com", Roles: []string{"editor"}, Permissions: []string{"fetch:posts"}}

	signed, err := tokens.Issue(in)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	out, err := tokens.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.ID != "7" || out.Email != "ada@example.com" {
		t.Fatalf("unexpected principal %+v", out)
	}
	if !out.HasRole("editor") || !out.Can("fetch:posts") {
		t.Fatalf("roles and permissions not carried: %+v", out)
	}
}

func TestTokens_Rejects(t *testing.T) {
	p := &metadata.Principal{ID: "1", Roles: []string{"admin"}}

	signed, err := NewTokens("other-secret").Issue(p)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewTokens(testSecret).Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	expired := &Tokens{Secret: testSecret, AccessTTL: -time.Minute, RefreshTTL: time.Hour}
	signed, err = expired.Issue(p)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := expired.Parse(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, err := NewTokens(testSecret).Parse("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !IsHashed(hash) {
		t.Fatal("expected hash to be recognised")
	}
	if IsHashed("hunter2") {
		t.Fatal("plaintext should not look hashed")
	}
	if !CheckPassword("hunter2", hash) {
		t.Fatal("expected password to match")
	}
	if CheckPassword("hunter3", hash) {
		t.Fatal("expected wrong password to fail")
	}
}

func TestExtractRoles(t *testing.T) {
	if got := extractRoles("admin"); len(got) != 1 || got[0] != "admin" {
		t.Fatalf("string role: %v", got)
	}
	if got := extractRoles([]any{"a", 3, "b"}); len(got) != 2 {
		t.Fatalf("[]any roles: %v", got)
	}
	if got := extractRoles(nil); got == nil || len(got) != 0 {
		t.Fatalf("nil roles: %v", got)
	}
}

func TestMiddleware(t *testing.T) {
	tokens := NewTokens(testSecret)
	admin, _ := tokens.Issue(&metadata.Principal{ID: "1", Roles: []string{"admin"}})
	reader, _ := tokens.Issue(&metadata.Principal{ID: "2", Roles: []string{"reader"}})

	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler(nil)})
	whoami := func(c *fiber.Ctx) error {
		p := PrincipalFrom(c)
		if p == nil {
			return c.SendString("anonymous")
		}
		return c.SendString(p.ID)
	}
	app.Get("/optional", Middleware(tokens, false), whoami)
	app.Get("/required", Middleware(tokens, true), whoami)
	app.Get("/admin", Middleware(tokens, true), RequireAdmin(), whoami)

	cases := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"optional anonymous", "/optional", "", 200, "anonymous"},
		{"optional bearer", "/optional", "Bearer " + reader, 200, "2"},
		{"optional bad token", "/optional", "Bearer nope", 401, ""},
		{"required missing", "/required", "", 401, ""},
		{"required bad scheme", "/required", "Basic " + reader, 401, ""},
		{"required ok", "/required", "Bearer " + reader, 200, "2"},
		{"admin forbidden", "/admin", "Bearer " + reader, 403, ""},
		{"admin ok", "/admin", "Bearer " + admin, 200, "1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if tc.body != "" {
				raw, _ := io.ReadAll(resp.Body)
				if string(raw) != tc.body {
					t.Fatalf("expected body %q, got %q", tc.body, raw)
				}
			}
		})
	}
}

// authFixture wires a sqlite-backed User resource with a hashing hook.
type authFixture struct {
	app     *fiber.App
	reg     *metadata.Registry
	adapter store.Adapter
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	user := &metadata.Resource{
		Name: "User",
		Fields: []*metadata.Field{
			{Name: "Email", Type: metadata.TypeText, Rules: []string{"required", "email", "unique"}},
			{Name: "Password", Type: metadata.TypeText, Rules: []string{"required"}, HideOnAPI: true},
			{Name: "Role", Type: metadata.TypeText},
			{Name: "Active", Type: metadata.TypeBoolean, Default: true},
		},
	}
	user.BeforeCreate(func(ctx context.Context, e *metadata.HookEvent) error {
		if pw, ok := e.Payload["password"].(string); ok && !IsHashed(pw) {
			hash, err := HashPassword(pw)
			if err != nil {
				return err
			}
			e.Payload["password"] = hash
		}
		return nil
	})

	reg, err := metadata.NewRegistry(user, RefreshTokenResource())
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

	tokens := NewTokens(testSecret)
	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler(nil)})
	RegisterRoutes(app, NewHandler(reg, adapter, tokens, "User", nil), Middleware(tokens, true))
	return &authFixture{app: app, reg: reg, adapter: adapter}
}

func (f *authFixture) createUser(t *testing.T, payload map[string]any) store.Record {
	t.Helper()
	m, err := engine.NewManager(f.reg, f.adapter, nil).Resource("User")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	rec, err := m.Create(context.Background(), payload)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return rec
}

func (f *authFixture) post(t *testing.T, path, body, bearer string) (int, map[string]any) {
	t.Helper()
	method := http.MethodPost
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		method = http.MethodGet
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s: bad JSON %q", path, raw)
		}
	}
	return resp.StatusCode, out
}

func pairFrom(t *testing.T, body map[string]any) (access, refresh string) {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("missing token pair in %v", body)
	}
	access, _ = data["access_token"].(string)
	refresh, _ = data["refresh_token"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("empty tokens in %v", data)
	}
	return access, refresh
}

func TestHandler_LoginRefreshLogout(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.createUser(t, map[string]any{"email": "ada@example.com", "password": "s3cret", "role": "editor"})
	if stored, _ := rec["password"].(string); !IsHashed(stored) {
		t.Fatalf("password stored in plaintext: %q", stored)
	}

	status, _ := f.post(t, "/api/auth/login", `{"email":"ada@example.com","password":"wrong"}`, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", status)
	}
	status, _ = f.post(t, "/api/auth/login", `{"email":"nobody@example.com","password":"s3cret"}`, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("unknown email: expected 401, got %d", status)
	}

	status, body := f.post(t, "/api/auth/login", `{"email":"ada@example.com","password":"s3cret"}`, "")
	if status != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %v", status, body)
	}
	access, refresh := pairFrom(t, body)

	status, body = f.post(t, "/api/auth/me", "", access)
	if status != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %v", status, body)
	}
	me := body["data"].(map[string]any)
	if me["email"] != "ada@example.com" || me["id"] != store.IDString(rec["id"]) {
		t.Fatalf("unexpected principal %v", me)
	}
	if roles, _ := me["roles"].([]any); len(roles) != 1 || roles[0] != "editor" {
		t.Fatalf("expected editor role, got %v", me["roles"])
	}

	status, body = f.post(t, "/api/auth/refresh", `{"refresh_token":"`+refresh+`"}`, "")
	if status != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %v", status, body)
	}
	_, rotated := pairFrom(t, body)
	if rotated == refresh {
		t.Fatal("refresh token was not rotated")
	}

	status, _ = f.post(t, "/api/auth/refresh", `{"refresh_token":"`+refresh+`"}`, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: expected 401, got %d", status)
	}

	status, body = f.post(t, "/api/auth/logout", `{"refresh_token":"`+rotated+`"}`, "")
	if status != http.StatusOK || body["message"] != "Logged out" {
		t.Fatalf("logout: got %d %v", status, body)
	}
	status, _ = f.post(t, "/api/auth/refresh", `{"refresh_token":"`+rotated+`"}`, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", status)
	}
}

func TestHandler_LoginDisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	f.createUser(t, map[string]any{"email": "off@example.com", "password": "s3cret", "active": false})

	status, body := f.post(t, "/api/auth/login", `{"email":"off@example.com","password":"s3cret"}`, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", status, body)
	}
	e, _ := body["error"].(map[string]any)
	if e["message"] != "Account is disabled" {
		t.Fatalf("unexpected error %v", body)
	}
}

func TestHandler_ExpiredRefreshToken(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.createUser(t, map[string]any{"email": "ada@example.com", "password": "s3cret"})

	m, err := engine.NewManager(f.reg, f.adapter, nil).Resource("RefreshToken")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	if _, err := m.Create(context.Background(), map[string]any{
		"token":     "stale",
		"subject":   store.IDString(rec["id"]),
		"expiresAt": time.Now().Add(-time.Hour).Unix(),
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}

	status, _ := f.post(t, "/api/auth/refresh", `{"refresh_token":"stale"}`, "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if _, err := m.FindOneByField(context.Background(), "token", "stale"); err == nil {
		t.Fatal("expired token should have been removed")
	}
}
