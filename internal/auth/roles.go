package auth

import "strings"

// Role is the access level carried in a token.
type Role string

const (
	// RoleViewer may read stored events and exports.
	RoleViewer Role = "viewer"
	// RoleOperator may also start and stop polling.
	RoleOperator Role = "operator"
	// RoleAdmin is accepted everywhere.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole lowercases and trims value and reports whether it names a known role.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role grants at least the required level.
// Unknown roles never satisfy a requirement.
func RoleAtLeast(role Role, required Role) bool {
	rank, ok := roleRanks[role]
	if !ok {
		return false
	}
	return rank >= roleRanks[required]
}

func (r Role) String() string { return string(r) }
