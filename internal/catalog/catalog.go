// Package catalog resolves sellable inventory items for a search query.
package catalog

import (
	"strings"

	"pharmapos/internal/domain"
)

const DefaultLimit = 10

type State string

const (
	StateNoQuery   State = "no_query"
	StateNoResults State = "no_results"
	StateResults   State = "results"
)

type Result struct {
	Item domain.InventoryItem `json:"item"`
	// Allowed is false when the item needs a prescription and the sale is walk-in.
	Allowed bool `json:"allowed"`
}

type Outcome struct {
	State   State    `json:"state"`
	Results []Result `json:"results"`
}

// Search keeps catalog order and returns at most limit in-stock items whose
// name or SKU contains query, case-insensitively.
func Search(items []domain.InventoryItem, query string, saleType domain.SaleType, limit int) Outcome {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return Outcome{State: StateNoQuery, Results: []Result{}}
	}
	if limit < 1 {
		limit = DefaultLimit
	}

	results := make([]Result, 0, limit)
	for _, item := range items {
		if len(results) == limit {
			break
		}
		if item.Stock <= 0 {
			continue
		}
		if !strings.Contains(strings.ToLower(item.Name), needle) && !strings.Contains(strings.ToLower(item.SKU), needle) {
			continue
		}
		results = append(results, Result{
			Item:    item,
			Allowed: Sellable(item, saleType),
		})
	}

	if len(results) == 0 {
		return Outcome{State: StateNoResults, Results: results}
	}
	return Outcome{State: StateResults, Results: results}
}

// Sellable reports whether item may be sold under saleType.
func Sellable(item domain.InventoryItem, saleType domain.SaleType) bool {
	return !(item.PrescriptionRequired && saleType == domain.SaleTypeWalkIn)
}
