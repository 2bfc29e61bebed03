// Package cart holds the point-of-sale cart and tender reconciliation rules.
// The sales service recomputes every figure with the same functions.
package cart

import (
	"github.com/shopspring/decimal"

	"pharmapos/internal/domain"
)

// LineTotal is quantity × unitPrice × (1 − discountPercent/100), exact.
func LineTotal(quantity int, unitPrice decimal.Decimal, discountPercent decimal.Decimal) decimal.Decimal {
	keep := domain.Hundred.Sub(domain.ClampPercent(discountPercent))
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Mul(keep).Div(domain.Hundred)
}

// OrderDiscountAmount resolves an order-level discount against subtotal,
// clamped to [0, subtotal].
func OrderDiscountAmount(subtotal decimal.Decimal, discount domain.OrderDiscount) decimal.Decimal {
	var amount decimal.Decimal
	switch discount.Type {
	case domain.DiscountPercentage:
		amount = subtotal.Mul(domain.ClampPercent(discount.Amount)).Div(domain.Hundred)
	case domain.DiscountFixed:
		amount = discount.Amount
	default:
		return decimal.Zero
	}
	amount = domain.MaxZero(amount)
	if amount.GreaterThan(subtotal) {
		return subtotal
	}
	return amount
}

type Reconciliation struct {
	TotalPaid   decimal.Decimal `json:"total_paid"`
	AmountDue   decimal.Decimal `json:"amount_due"`
	ChangeGiven decimal.Decimal `json:"change_given"`
}

// Settled reports whether the tendered amount covers the total.
func (r Reconciliation) Settled() bool {
	return r.AmountDue.IsZero()
}

// Reconcile derives amount due and change for payments against total. At most
// one of the two is non-zero. Total and tenders are compared in money units.
func Reconcile(total decimal.Decimal, payments []domain.Payment) Reconciliation {
	total = domain.Money(total)
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(domain.Money(p.Amount))
	}
	return Reconciliation{
		TotalPaid:   paid,
		AmountDue:   domain.MaxZero(total.Sub(paid)),
		ChangeGiven: domain.MaxZero(paid.Sub(total)),
	}
}

// CreditNoteExcess is how far the credit note tenders go beyond what the other
// tenders leave due. Store credit is never paid out as change, so a sale is
// only valid when this is zero.
func CreditNoteExcess(total decimal.Decimal, payments []domain.Payment) decimal.Decimal {
	credit, other := decimal.Zero, decimal.Zero
	for _, p := range payments {
		if p.Method == domain.PaymentCreditNote {
			credit = credit.Add(domain.Money(p.Amount))
			continue
		}
		other = other.Add(domain.Money(p.Amount))
	}
	due := domain.MaxZero(domain.Money(total).Sub(other))
	return domain.MaxZero(credit.Sub(due))
}
