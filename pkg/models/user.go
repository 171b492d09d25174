package models

// Role constants. RoleSuperAdmin exists only in the platform realm; the
// others are values of the tenant user_role enum.
const (
	RoleSuperAdmin = "superadmin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleMember     = "member"
	RoleViewer     = "viewer"
)

// TenantRoles contains all valid tenant role values.
var TenantRoles = []string{RoleAdmin, RoleManager, RoleMember, RoleViewer}

// PlatformRoles contains all valid platform role values.
var PlatformRoles = []string{RoleSuperAdmin, RoleAdmin}

// IsValidRole checks if the given role is valid in any realm.
func IsValidRole(role string) bool {
	return contains(TenantRoles, role) || contains(PlatformRoles, role)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
