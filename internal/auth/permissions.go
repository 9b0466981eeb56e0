package auth

// Permission names one guarded API capability.
type Permission string

const (
	PermSessionRead      Permission = "session:read"
	PermSessionPublish   Permission = "session:publish"
	PermSessionSubscribe Permission = "session:subscribe"
	PermSessionManage    Permission = "session:manage"
)

// allPermissions in ascending order of the role they need.
var allPermissions = []Permission{
	PermSessionRead,
	PermSessionPublish,
	PermSessionSubscribe,
	PermSessionManage,
}

// minimumRole is the lowest role granted each permission. Roles are
// cumulative: a higher role holds everything below it.
var minimumRole = map[Permission]Role{
	PermSessionRead:      RoleViewer,
	PermSessionPublish:   RoleOperator,
	PermSessionSubscribe: RoleOperator,
	PermSessionManage:    RoleAdmin,
}

// HasPermission reports whether role is granted perm.
func HasPermission(role Role, perm Permission) bool {
	need, ok := minimumRole[perm]
	if !ok {
		return false
	}
	have := role.rank()
	return have > 0 && have >= need.rank()
}

// PermissionsForRole returns the permissions role holds, or nil for an
// unknown role.
func PermissionsForRole(role Role) []Permission {
	var out []Permission
	for _, p := range allPermissions {
		if HasPermission(role, p) {
			out = append(out, p)
		}
	}
	return out
}
