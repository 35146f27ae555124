package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

// Authorizer decides whether a principal may perform capability on a
// resource. Capabilities are fetch, create, update, delete and run:<action>.
type Authorizer interface {
	Authorize(ctx context.Context, p *metadata.Principal, res *metadata.Resource, capability string) bool
}

type AuthorizerFunc func(ctx context.Context, p *metadata.Principal, res *metadata.Resource, capability string) bool

func (f AuthorizerFunc) Authorize(ctx context.Context, p *metadata.Principal, res *metadata.Resource, capability string) bool {
	return f(ctx, p, res, capability)
}

// RoleAuthorizer grants declared permission slugs to roles. Admins pass
// every check; principals may also carry slugs directly.
type RoleAuthorizer struct {
	Policies map[string][]string // permission slug -> roles
}

func (a *RoleAuthorizer) Authorize(ctx context.Context, p *metadata.Principal, res *metadata.Resource, capability string) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin() {
		return true
	}

	slug := res.PermissionSlug(capability)
	if !containsString(res.Permissions, slug) {
		return false
	}
	if p.Can(slug) {
		return true
	}
	return hasRoleIntersection(p.Roles, a.Policies[slug])
}

func (m *Manager) authorize(ctx context.Context, res *metadata.Resource, capability string) error {
	if m.authorizer == nil {
		return nil
	}
	p := m.principal()
	if m.authorizer.Authorize(ctx, p, res, capability) {
		return nil
	}
	if p == nil {
		return UnauthorizedError("Authentication required")
	}
	return ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", capability, res.Slug))
}

func hasRoleIntersection(userRoles, policyRoles []string) bool {
	for _, ur := range userRoles {
		for _, pr := range policyRoles {
			if strings.EqualFold(ur, pr) {
				return true
			}
		}
	}
	return false
}
