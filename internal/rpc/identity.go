package rpc

import "github.com/filipjs/ostrichctld/internal/config"

// Role is the three-way caller classification from spec.md §4.5
// ("classify the caller as {user, operator, super-user}"), extended with
// a fourth tier for the node-daemon identity since several RPCs are
// node-origin only.
type Role int

const (
	RoleUser Role = iota
	RoleOperator
	RoleSuperUser
	RoleSlurmUser
)

// classify resolves uid against the current snapshot's slurm-user/
// operator/super-user lists (spec.md §4.5).
func classify(cfg *config.Snapshot, uid uint32) Role {
	if uid == cfg.SlurmUser {
		return RoleSlurmUser
	}
	if containsUID(cfg.SuperUsers, uid) {
		return RoleSuperUser
	}
	if containsUID(cfg.Operators, uid) {
		return RoleOperator
	}
	return RoleUser
}

func containsUID(list []uint32, uid uint32) bool {
	for _, v := range list {
		if v == uid {
			return true
		}
	}
	return false
}

// atLeast reports whether r meets or exceeds min on the user < operator <
// super-user ladder. RoleSlurmUser is its own lane, not a super-set of
// super-user, so it never satisfies an operator/super-user requirement.
func (r Role) atLeast(min Role) bool {
	if r == RoleSlurmUser || min == RoleSlurmUser {
		return r == min
	}
	return r >= min
}
