// Package domain defines shared domain constants and types.
package domain

const (
	// RoleAdmin may create mirrors, broadcast and promote other users.
	RoleAdmin = "admin"
	// RoleDefault is assigned to every user on first /start.
	RoleDefault = "default"
)

// IsAdminRole reports whether role grants admin privileges.
func IsAdminRole(role string) bool {
	return role == RoleAdmin
}
