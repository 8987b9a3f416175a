package auth

import (
	"sort"
	"strings"
)

// Role is a closed set of caller roles. Roles are not ordered; seniority is
// expressed only through the implication table below.
type Role string

const (
	RoleMember      Role = "MEMBER"
	RoleAdmin       Role = "ADMIN" // legacy
	RoleAdminLevel1 Role = "ADMIN_LEVEL_1"
	RoleAdminLevel2 Role = "ADMIN_LEVEL_2"
	RoleSuperAdmin  Role = "SUPER_ADMIN"
)

// Roles lists every known role.
var Roles = []Role{RoleMember, RoleAdmin, RoleAdminLevel1, RoleAdminLevel2, RoleSuperAdmin}

// implies is a flat one-hop table. SUPER_ADMIN is enumerated explicitly and
// must not be derived by walking ADMIN_LEVEL_2: legacy ADMIN implies
// ADMIN_LEVEL_1 but nothing implies ADMIN except SUPER_ADMIN.
var implies = map[Role]RoleSet{
	RoleMember:      {},
	RoleAdminLevel1: {},
	RoleAdminLevel2: NewRoleSet(RoleAdminLevel1),
	RoleSuperAdmin:  NewRoleSet(RoleAdminLevel1, RoleAdminLevel2, RoleAdmin),
	RoleAdmin:       NewRoleSet(RoleAdminLevel1),
}

// ParseRole normalizes raw input into a known role.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := implies[r]; !ok {
		return "", false
	}
	return r, true
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := implies[r]
	return ok
}

func (r Role) String() string { return string(r) }

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// Contains reports membership.
func (s RoleSet) Contains(r Role) bool {
	_, ok := s[r]
	return ok
}

// SubsetOf reports whether every role of s is in other.
func (s RoleSet) SubsetOf(other RoleSet) bool {
	for r := range s {
		if !other.Contains(r) {
			return false
		}
	}
	return true
}

// Slice returns the roles in a stable order.
func (s RoleSet) Slice() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasPermission decides whether role satisfies any role in required.
// Unknown roles imply nothing.
func HasPermission(role Role, required RoleSet) bool {
	if required.Contains(role) {
		return true
	}
	for r := range implies[role] {
		if required.Contains(r) {
			return true
		}
	}
	return false
}

// AdminRoles is the set of every administrative tier.
func AdminRoles() RoleSet {
	return NewRoleSet(RoleAdmin, RoleAdminLevel1, RoleAdminLevel2, RoleSuperAdmin)
}

// IsAdmin reports whether role holds any administrative tier.
func IsAdmin(role Role) bool {
	return HasPermission(role, AdminRoles())
}
