package auth

import (
	"fmt"
	"strings"
)

// Role is the single role a user holds on the platform.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// AllRoles lists every known role.
var AllRoles = []Role{RoleAdmin, RoleInstructor, RoleStudent}

// ParseRole normalises s and rejects unknown roles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleInstructor, RoleStudent:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }

// RoleIn reports whether r is contained in roles.
func RoleIn(r Role, roles []Role) bool {
	for _, candidate := range roles {
		if candidate == r {
			return true
		}
	}
	return false
}
