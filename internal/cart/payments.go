package cart

import (
	"slices"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

// AddPayment appends a tender whose amount defaults to the current amount due.
func (s *Session) AddPayment(method domain.PaymentMethod) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !method.Valid() {
		return -1, apperr.New(apperr.CodePrecondition, MsgInvalidPaymentType)
	}
	due := Reconcile(s.total(), s.payments).AmountDue
	s.payments = append(s.payments, domain.Payment{Method: method, Amount: due})
	return len(s.payments) - 1, nil
}

func (s *Session) UpdatePayment(index int, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.payments) {
		return apperr.New(apperr.CodePrecondition, MsgPaymentNotFound)
	}
	if amount.IsNegative() {
		return apperr.New(apperr.CodePrecondition, MsgNegativePayment)
	}
	s.payments[index].Amount = amount
	return nil
}

// UpdatePaymentDetails replaces the method-specific metadata of a tender.
func (s *Session) UpdatePaymentDetails(index int, details domain.PaymentDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.payments) {
		return apperr.New(apperr.CodePrecondition, MsgPaymentNotFound)
	}
	s.payments[index].PaymentDetails = details
	return nil
}

func (s *Session) RemovePayment(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.payments) {
		return apperr.New(apperr.CodePrecondition, MsgPaymentNotFound)
	}
	s.payments = slices.Delete(s.payments, index, index+1)
	return nil
}

func (s *Session) Payments() []domain.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.payments)
}

func (s *Session) Reconciliation() Reconciliation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Reconcile(s.total(), s.payments)
}
