package state

import "strings"

// Role is the workspace role carried in a user's token. It is fixed for the
// lifetime of a connection.
type Role string

const (
	RoleFounder    Role = "founder"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleTeamMember Role = "team_member"
)

var BuiltInRoles = map[string]Role{
	"founder":     RoleFounder,
	"admin":       RoleAdmin,
	"manager":     RoleManager,
	"team_member": RoleTeamMember,
}

// ParseRole normalizes a claim value. Unknown roles are kept as-is (lower
// cased) so that role broadcasts still match on exact value.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	if r, ok := BuiltInRoles[s]; ok {
		return r
	}
	return Role(s)
}

func (r Role) Known() bool {
	_, ok := BuiltInRoles[string(r)]
	return ok
}
