package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPharmacistCannotVoidOrDecide(t *testing.T) {
	assert.True(t, Allows(RolePharmacist, SalesCreate))
	assert.True(t, Allows(RolePharmacist, ReturnsCreate))
	assert.False(t, Allows(RolePharmacist, SalesVoid))
	assert.False(t, Allows(RolePharmacist, ReturnsDecide))
}

func TestClinicalRolesAreReadOnly(t *testing.T) {
	for _, role := range []Role{RoleDoctor, RoleNurse} {
		assert.True(t, Allows(role, InventoryRead))
		assert.False(t, Allows(role, SalesCreate), role)
		assert.False(t, Allows(role, ReturnsCreate), role)
	}
}

func TestAdminHoldsEveryCapability(t *testing.T) {
	for _, capability := range all {
		assert.True(t, Allows(RoleAdmin, capability), capability)
	}
}

func TestUnknownRoleHoldsNothing(t *testing.T) {
	assert.False(t, Role("cashier").Valid())
	assert.False(t, Allows(Role("cashier"), InventoryRead))
	assert.Empty(t, Capabilities(Role("cashier")))
}

func TestCapabilitiesReturnsCopy(t *testing.T) {
	caps := Capabilities(RoleDoctor)
	caps[0] = AuditRead
	assert.False(t, Allows(RoleDoctor, AuditRead))
}
