package metadata

// Principal is the authenticated caller, set by the auth middleware.
type Principal struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasRole checks whether the principal has a specific role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin checks whether the principal has the admin role.
func (p *Principal) IsAdmin() bool {
	return p.HasRole("admin")
}

// Can reports whether the principal was granted the permission slug directly.
func (p *Principal) Can(permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}
