// Package permissions maps staff roles to the capabilities they hold.
package permissions

import "slices"

type Role string

const (
	RoleDoctor          Role = "doctor"
	RoleNurse           Role = "nurse"
	RolePharmacist      Role = "pharmacist"
	RolePharmacyManager Role = "pharmacy_manager"
	RoleAdmin           Role = "admin"
)

type Capability string

const (
	InventoryRead   Capability = "inventory.read"
	SalesRead       Capability = "sales.read"
	SalesCreate     Capability = "sales.create"
	SalesVoid       Capability = "sales.void"
	ReturnsRead     Capability = "returns.read"
	ReturnsCreate   Capability = "returns.create"
	ReturnsDecide   Capability = "returns.decide"
	CreditNotesRead Capability = "credit_notes.read"
	AuditRead       Capability = "audit.read"
	EventsSubscribe Capability = "events.subscribe"
)

var all = []Capability{
	InventoryRead, SalesRead, SalesCreate, SalesVoid,
	ReturnsRead, ReturnsCreate, ReturnsDecide, CreditNotesRead,
	AuditRead, EventsSubscribe,
}

var table = map[Role][]Capability{
	RoleDoctor:     {InventoryRead, SalesRead, EventsSubscribe},
	RoleNurse:      {InventoryRead, SalesRead, EventsSubscribe},
	RolePharmacist: {InventoryRead, SalesRead, SalesCreate, ReturnsRead, ReturnsCreate, CreditNotesRead, EventsSubscribe},
	RolePharmacyManager: {
		InventoryRead, SalesRead, SalesCreate, SalesVoid,
		ReturnsRead, ReturnsCreate, ReturnsDecide, CreditNotesRead,
		AuditRead, EventsSubscribe,
	},
	RoleAdmin: all,
}

func (r Role) Valid() bool {
	_, ok := table[r]
	return ok
}

// Allows reports whether role holds capability. Unknown roles hold nothing.
func Allows(role Role, capability Capability) bool {
	return slices.Contains(table[role], capability)
}

// Capabilities returns a copy of the capability set for role.
func Capabilities(role Role) []Capability {
	return slices.Clone(table[role])
}

func Roles() []Role {
	return []Role{RoleDoctor, RoleNurse, RolePharmacist, RolePharmacyManager, RoleAdmin}
}
