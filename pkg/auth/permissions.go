package auth

import "strings"

// Well-known permission strings.
const (
	// PermissionAll grants everything.
	PermissionAll = "*"
	// PermissionAdmin grants the admin surface and destructive operations.
	PermissionAdmin = "admin"
)

// HasPermission reports whether the permission set covers a resource tag.
// "*" covers everything; "admin" additionally covers tags under "admin/".
func HasPermission(permissions []string, resource string) bool {
	for _, p := range permissions {
		switch {
		case p == PermissionAll:
			return true
		case p == PermissionAdmin && (resource == PermissionAdmin || strings.HasPrefix(resource, "admin/")):
			return true
		case p == resource:
			return true
		}
	}
	return false
}

// RequiredPermission maps an HTTP method and path to the resource tag checked
// against the caller's permission set.
func RequiredPermission(method, path string) string {
	if strings.HasPrefix(path, "/api/admin/") {
		return PermissionAdmin
	}
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return "read"
	default:
		return "write"
	}
}
