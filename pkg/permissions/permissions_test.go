package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperatorHasEverything(t *testing.T) {
	for _, p := range []Permission{
		PermSubmitSignal, PermRegisterProducer, PermReadStatus, PermReadJournal,
		PermManageKillSwitch, PermApproveTrades, PermManageSettlements, PermManageConfig,
	} {
		assert.True(t, Allowed(RoleOperator, p), string(p))
	}
}

func TestRoleMatrix(t *testing.T) {
	cases := []struct {
		role    Role
		perm    Permission
		allowed bool
	}{
		{RoleAgent, PermSubmitSignal, true},
		{RoleAgent, PermRegisterProducer, true},
		{RoleAgent, PermManageKillSwitch, false},
		{RoleCurator, PermSubmitSignal, true},
		{RoleCurator, PermReadJournal, false},
		{RoleCurator, PermRegisterProducer, false},
		{RoleTester, PermSubmitSignal, true},
		{RoleTester, PermReadJournal, true},
		{RoleTester, PermApproveTrades, false},
		{Role("unknown"), PermReadStatus, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, Allowed(tc.role, tc.perm), "%s/%s", tc.role, tc.perm)
	}
}

func TestQuotaScale(t *testing.T) {
	assert.Equal(t, 0.25, QuotaScale(RoleTester))
	assert.Equal(t, 1.0, QuotaScale(RoleAgent))
	assert.Equal(t, 1.0, QuotaScale(RoleOperator))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(RoleOperator))
	assert.True(t, Valid(RoleTester))
	assert.False(t, Valid(Role("root")))
	assert.False(t, Valid(Role("")))
}
