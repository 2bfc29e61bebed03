// Package returns stages a return against a completed sale, computes its
// settlement, and carries the approval state machine shared with the service.
package returns

import (
	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

const (
	MsgFeeOutOfRange      = "Restocking fee percent must be between 0 and 100"
	MsgNotPendingApproval = "Return is not awaiting approval"
	MsgRejectNeedsNote    = "A note is required to reject a return"
	MsgInvalidDecision    = "Decision must be approve or reject"
)

type Settlement struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	RestockingFee decimal.Decimal `json:"restocking_fee"`
	NetRefund     decimal.Decimal `json:"net_refund"`
}

// Settle computes fee = subtotal × pct/100 and net = subtotal − fee.
func Settle(subtotal decimal.Decimal, feePercent decimal.Decimal) (Settlement, error) {
	if feePercent.IsNegative() || feePercent.GreaterThan(domain.Hundred) {
		return Settlement{}, apperr.New(apperr.CodePrecondition, MsgFeeOutOfRange)
	}
	fee := subtotal.Mul(feePercent).Div(domain.Hundred)
	return Settlement{
		Subtotal:      subtotal,
		RestockingFee: fee,
		NetRefund:     subtotal.Sub(fee),
	}, nil
}

// Subtotal sums quantity × unit price over lines.
func Subtotal(lines []domain.ReturnLine) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return sum
}

// Actions lists the decisions available for a return in status.
func Actions(status domain.ReturnStatus) []domain.ReturnDecision {
	if status != domain.ReturnStatusPendingApproval {
		return nil
	}
	return []domain.ReturnDecision{domain.DecisionApprove, domain.DecisionReject}
}

// Transition applies decision to status. Only pending_approval moves, and
// both outcomes are terminal.
func Transition(status domain.ReturnStatus, decision domain.ReturnDecision) (domain.ReturnStatus, error) {
	if status != domain.ReturnStatusPendingApproval {
		return status, apperr.New(apperr.CodeStateConflict, MsgNotPendingApproval)
	}
	switch decision {
	case domain.DecisionApprove:
		return domain.ReturnStatusApproved, nil
	case domain.DecisionReject:
		return domain.ReturnStatusRejected, nil
	default:
		return status, apperr.New(apperr.CodeValidation, MsgInvalidDecision)
	}
}

// DefaultRestockable is the restockability a condition implies.
func DefaultRestockable(condition domain.ItemCondition) bool {
	return condition == domain.ConditionSealed
}
