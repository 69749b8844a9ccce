// Package permissions implements the static role→permission matrix for
// engine surfaces. Roles are closed; unknown roles hold no permissions.
package permissions

// Role is a caller category.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleCurator  Role = "curator"
	RoleTester   Role = "tester"
)

// Permission names one guarded capability.
type Permission string

const (
	PermSubmitSignal      Permission = "submit_signal"
	PermRegisterProducer  Permission = "register_producer"
	PermReadStatus        Permission = "read_status"
	PermReadJournal       Permission = "read_journal"
	PermManageKillSwitch  Permission = "manage_kill_switch"
	PermApproveTrades     Permission = "approve_trades"
	PermManageSettlements Permission = "manage_settlements"
	PermManageConfig      Permission = "manage_config"
)

// matrix is the closed role→permission table. operator is handled as a
// wildcard in Allowed.
var matrix = map[Role]map[Permission]bool{
	RoleAgent: {
		PermSubmitSignal:     true,
		PermRegisterProducer: true,
		PermReadStatus:       true,
		PermReadJournal:      true,
	},
	RoleCurator: {
		PermSubmitSignal: true,
		PermReadStatus:   true,
	},
	RoleTester: {
		PermSubmitSignal: true,
		PermReadStatus:   true,
		PermReadJournal:  true,
	},
}

// Allowed reports whether role holds perm.
func Allowed(role Role, perm Permission) bool {
	if role == RoleOperator {
		return true
	}
	return matrix[role][perm]
}

// QuotaScale returns the multiplier applied to rate-limit quotas for a role.
// Testers run with reduced quotas.
func QuotaScale(role Role) float64 {
	if role == RoleTester {
		return 0.25
	}
	return 1.0
}

// Valid reports whether role is one of the closed set.
func Valid(role Role) bool {
	switch role {
	case RoleOperator, RoleAgent, RoleCurator, RoleTester:
		return true
	default:
		return false
	}
}
