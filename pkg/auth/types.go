package auth

// Role names understood by RequireRole.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is a Principal built from token claims.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

// HasRole reports whether the principal holds role. Admins hold every role.
func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}
