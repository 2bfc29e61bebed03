package catalog

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/internal/domain"
)

func fixtureItems() []domain.InventoryItem {
	return []domain.InventoryItem{
		{ID: "itm-1", Name: "Paracetamol 500mg", SKU: "PARA-500", Price: decimal.RequireFromString("4.50"), Stock: 40},
		{ID: "itm-2", Name: "Amoxicillin 250mg", SKU: "AMOX-250", Price: decimal.RequireFromString("12.00"), Stock: 10, PrescriptionRequired: true},
		{ID: "itm-3", Name: "Paracetamol Syrup", SKU: "PARA-SYR", Price: decimal.RequireFromString("6.75"), Stock: 0},
		{ID: "itm-4", Name: "Vitamin C", SKU: "VITC-para", Price: decimal.RequireFromString("3.10"), Stock: 5},
	}
}

func TestSearchEmptyQueryIsDistinctFromNoResults(t *testing.T) {
	outcome := Search(fixtureItems(), "   ", domain.SaleTypeWalkIn, DefaultLimit)
	assert.Equal(t, StateNoQuery, outcome.State)
	assert.Empty(t, outcome.Results)

	outcome = Search(fixtureItems(), "ibuprofen", domain.SaleTypeWalkIn, DefaultLimit)
	assert.Equal(t, StateNoResults, outcome.State)
	assert.Empty(t, outcome.Results)
}

func TestSearchMatchesNameOrSKUCaseInsensitivelyInCatalogOrder(t *testing.T) {
	outcome := Search(fixtureItems(), "PARA", domain.SaleTypePrescription, DefaultLimit)

	require.Equal(t, StateResults, outcome.State)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, "itm-1", outcome.Results[0].Item.ID)
	assert.Equal(t, "itm-4", outcome.Results[1].Item.ID, "SKU match keeps catalog order")
}

func TestSearchSkipsOutOfStock(t *testing.T) {
	outcome := Search(fixtureItems(), "syrup", domain.SaleTypePrescription, DefaultLimit)
	assert.Equal(t, StateNoResults, outcome.State)
}

func TestSearchFlagsPrescriptionItemsForWalkIn(t *testing.T) {
	walkIn := Search(fixtureItems(), "amox", domain.SaleTypeWalkIn, DefaultLimit)
	require.Len(t, walkIn.Results, 1)
	assert.False(t, walkIn.Results[0].Allowed)

	rx := Search(fixtureItems(), "amox", domain.SaleTypePrescription, DefaultLimit)
	require.Len(t, rx.Results, 1)
	assert.True(t, rx.Results[0].Allowed)
}

func TestSearchCapsResults(t *testing.T) {
	items := make([]domain.InventoryItem, 0, 25)
	for i := 0; i < 25; i++ {
		items = append(items, domain.InventoryItem{ID: fmt.Sprintf("itm-%02d", i), Name: "Saline", SKU: fmt.Sprintf("SAL-%02d", i), Stock: 1})
	}

	outcome := Search(items, "saline", domain.SaleTypeWalkIn, 0)
	require.Len(t, outcome.Results, DefaultLimit)
	assert.Equal(t, "itm-00", outcome.Results[0].Item.ID)
	assert.Equal(t, "itm-09", outcome.Results[9].Item.ID)
}
