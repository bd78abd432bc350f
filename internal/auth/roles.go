package auth

import (
	"fmt"
	"strings"
)

// Role represents an operator role for the admin endpoints
type Role string

const (
	// RoleAdmin can also change credentials and settings
	RoleAdmin Role = "admin"

	// RoleViewer has read-only access to admin endpoints
	RoleViewer Role = "viewer"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role
// Admin has all permissions, viewer only has viewer permissions
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true // Admin has all permissions
	}
	return r == required
}

// ParseRoles converts a comma-separated list into roles
func ParseRoles(s string) ([]Role, error) {
	var roles []Role
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r := Role(strings.ToLower(part))
		if !r.IsValid() {
			return nil, fmt.Errorf("invalid role %q", part)
		}
		roles = append(roles, r)
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("no roles given")
	}
	return roles, nil
}
