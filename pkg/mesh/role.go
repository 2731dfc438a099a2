package mesh

import "strings"

// Role is a capability a peer advertises on the mesh. The set is closed:
// handlers are mounted per role, and the proxy layer routes requests for a
// role to a peer that advertises it.
type Role uint8

const (
	RoleScheduler Role = iota
	RoleRunner
	RoleStorage
	RoleClient
	RoleObserver

	numRoles
)

func (r Role) String() string {
	switch r {
	case RoleScheduler:
		return "scheduler"
	case RoleRunner:
		return "runner"
	case RoleStorage:
		return "storage"
	case RoleClient:
		return "client"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// RoleSet is a bitset over the role enumeration. Bits beyond the known
// roles are preserved verbatim through encode/decode so newer peers can
// advertise roles we do not understand yet; they never match local lookups.
type RoleSet uint16

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s = s.With(r)
	}
	return s
}

// With returns the set with r added.
func (s RoleSet) With(r Role) RoleSet {
	return s | 1<<r
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	return s&(1<<r) != 0
}

// Roles returns the known roles in the set, in enum order.
func (s RoleSet) Roles() []Role {
	var roles []Role
	for r := Role(0); r < numRoles; r++ {
		if s.Has(r) {
			roles = append(roles, r)
		}
	}
	return roles
}

func (s RoleSet) String() string {
	roles := s.Roles()
	if len(roles) == 0 {
		return "none"
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return strings.Join(names, ",")
}
