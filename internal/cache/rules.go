package cache

const (
	ResourceInventory   = "inventory"
	ResourceSales       = "sales"
	ResourceSale        = "sale"
	ResourceReturns     = "returns"
	ResourceReturn      = "return"
	ResourceCreditNotes = "credit_notes"
	ResourceCreditNote  = "credit_note"
)

type Mutation string

const (
	MutationSaleCreate   Mutation = "sale.create"
	MutationSaleVoid     Mutation = "sale.void"
	MutationReturnCreate Mutation = "return.create"
	MutationReturnDecide Mutation = "return.decide"
)

// Scope picks which id a Target is narrowed to. ScopeAll drops the resource
// with every id under it.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeSale
	ScopeReturn
)

type Target struct {
	Resource string
	Scope    Scope
}

// Refs names the entities a mutation touched.
type Refs struct {
	SaleID   string
	ReturnID string
}

type Rule []Target

// Keys resolves the rule into concrete keys. Targets narrowed to a ref that
// is empty widen to the whole resource.
func (r Rule) Keys(tenant string, refs Refs) []Key {
	keys := make([]Key, 0, len(r))
	for _, target := range r {
		key := Key{Tenant: tenant, Resource: target.Resource}
		switch target.Scope {
		case ScopeSale:
			key.ID = refs.SaleID
		case ScopeReturn:
			key.ID = refs.ReturnID
		}
		keys = append(keys, key)
	}
	return keys
}

// Rules is the invalidation list for every mutation.
var Rules = map[Mutation]Rule{
	MutationSaleCreate: {
		{Resource: ResourceInventory},
		{Resource: ResourceSales},
		{Resource: ResourceCreditNotes},
		{Resource: ResourceCreditNote},
	},
	MutationSaleVoid: {
		{Resource: ResourceSale, Scope: ScopeSale},
		{Resource: ResourceSales},
		{Resource: ResourceInventory},
		{Resource: ResourceCreditNotes},
		{Resource: ResourceCreditNote},
	},
	MutationReturnCreate: {
		{Resource: ResourceReturns},
		{Resource: ResourceSale, Scope: ScopeSale},
		{Resource: ResourceSales},
		{Resource: ResourceInventory},
		{Resource: ResourceCreditNotes},
	},
	MutationReturnDecide: {
		{Resource: ResourceReturn, Scope: ScopeReturn},
		{Resource: ResourceReturns},
		{Resource: ResourceSale, Scope: ScopeSale},
		{Resource: ResourceSales},
		{Resource: ResourceInventory},
		{Resource: ResourceCreditNotes},
	},
}
