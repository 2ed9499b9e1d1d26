package auth

import "fmt"

// Role is a config-declared access level. Roles form a ladder: every
// role carries the permissions of the ones below it.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
)

// Permission names one guarded capability of the control surface.
type Permission string

const (
	PermDeviceRead    Permission = "device:read"
	PermDeviceControl Permission = "device:control"
	PermSafetyControl Permission = "safety:control"
	PermPluginManage  Permission = "plugin:manage"
	PermSystemAdmin   Permission = "system:admin"
)

// Permissions expands a role into its full permission set.
func (r Role) Permissions() []Permission {
	switch r {
	case RoleAdmin:
		return []Permission{PermDeviceRead, PermDeviceControl, PermSafetyControl, PermPluginManage, PermSystemAdmin}
	case RoleTechnician:
		return []Permission{PermDeviceRead, PermDeviceControl, PermSafetyControl, PermPluginManage}
	case RoleOperator:
		return []Permission{PermDeviceRead, PermDeviceControl}
	default:
		return nil
	}
}

// ParseRole validates a role string from configuration or a token claim.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOperator, RoleTechnician, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// IdentityKind says which credential produced an identity.
type IdentityKind string

const (
	KindUser     IdentityKind = "user"
	KindAPIToken IdentityKind = "api_token"
)

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Subject     string       `json:"subject"`
	Role        Role         `json:"role"`
	Kind        IdentityKind `json:"kind"`
	Permissions []Permission `json:"permissions"`
}

// Can reports whether the identity carries the permission.
func (id Identity) Can(p Permission) bool {
	for _, have := range id.Permissions {
		if have == p {
			return true
		}
	}
	return false
}
