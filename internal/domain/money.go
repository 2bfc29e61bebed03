package domain

import "github.com/shopspring/decimal"

var (
	Hundred = decimal.NewFromInt(100)
	Zero    = decimal.Zero
)

// Money rounds an exact amount to the two places persisted and sent on the wire.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampPercent bounds p to [0, 100].
func ClampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(Hundred) {
		return Hundred
	}
	return p
}

func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
