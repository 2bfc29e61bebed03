package cart

import (
	"slices"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/xid"
)

const (
	MsgPrescriptionWalkIn  = "Prescription item cannot be sold as walk-in"
	MsgInsufficientStock   = "Insufficient stock"
	MsgSaleTypeBlocked     = "Remove prescription items before switching to walk-in"
	MsgQuantityTooLow      = "Quantity must be at least 1"
	MsgLineNotFound        = "Item is not in the cart"
	MsgPaymentNotFound     = "Payment not found"
	MsgInvalidPaymentType  = "Unsupported payment method"
	MsgInvalidSaleType     = "Unsupported sale type"
	MsgNegativePayment     = "Payment amount cannot be negative"
	MsgInvalidDiscountType = "Unsupported discount type"
	MsgCreditNoteOverpaid  = "Credit note amount exceeds the amount due"
)

type Line struct {
	ItemID               string          `json:"item_id"`
	Name                 string          `json:"name"`
	SKU                  string          `json:"sku"`
	Quantity             int             `json:"quantity"`
	DiscountPercent      decimal.Decimal `json:"discount_percent"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	MaxStock             int             `json:"max_stock"`
	PrescriptionRequired bool            `json:"prescription_required"`
}

func (l Line) Total() decimal.Decimal {
	return LineTotal(l.Quantity, l.UnitPrice, l.DiscountPercent)
}

type Field string

const (
	FieldQuantity        Field = "quantity"
	FieldDiscountPercent Field = "discount_percent"
)

// Session is one terminal's in-progress sale: cart lines, sale type, customer,
// order discount and tendered payments. Derived totals are never stored.
type Session struct {
	mu             sync.RWMutex
	saleType       domain.SaleType
	customer       domain.Customer
	lines          []Line
	discount       domain.OrderDiscount
	payments       []domain.Payment
	notes          string
	idempotencyKey string
}

func NewSession() *Session {
	return &Session{
		saleType:       domain.SaleTypeWalkIn,
		idempotencyKey: xid.New("idem"),
	}
}

// AddToCart inserts item at quantity 1, or bumps an existing line by one.
func (s *Session) AddToCart(item domain.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.PrescriptionRequired && s.saleType == domain.SaleTypeWalkIn {
		return apperr.New(apperr.CodePrecondition, MsgPrescriptionWalkIn)
	}
	if idx := s.indexOf(item.ID); idx >= 0 {
		if s.lines[idx].Quantity+1 > s.lines[idx].MaxStock {
			return apperr.New(apperr.CodeStockConflict, MsgInsufficientStock)
		}
		s.lines[idx].Quantity++
		return nil
	}
	if item.Stock < 1 {
		return apperr.New(apperr.CodeStockConflict, MsgInsufficientStock)
	}
	s.lines = append(s.lines, Line{
		ItemID:               item.ID,
		Name:                 item.Name,
		SKU:                  item.SKU,
		Quantity:             1,
		DiscountPercent:      decimal.Zero,
		UnitPrice:            item.Price,
		MaxStock:             item.Stock,
		PrescriptionRequired: item.PrescriptionRequired,
	})
	return nil
}

// UpdateCartItem edits one field of a line. Quantity must be a whole number
// within [1, stock snapshot]; discount percent is clamped to [0, 100].
func (s *Session) UpdateCartItem(itemID string, field Field, value decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(itemID)
	if idx < 0 {
		return apperr.New(apperr.CodePrecondition, MsgLineNotFound)
	}
	switch field {
	case FieldQuantity:
		if !value.IsInteger() || value.LessThan(decimal.NewFromInt(1)) {
			return apperr.New(apperr.CodePrecondition, MsgQuantityTooLow)
		}
		if value.GreaterThan(decimal.NewFromInt(int64(s.lines[idx].MaxStock))) {
			return apperr.New(apperr.CodeStockConflict, MsgInsufficientStock)
		}
		s.lines[idx].Quantity = int(value.IntPart())
	case FieldDiscountPercent:
		s.lines[idx].DiscountPercent = domain.ClampPercent(value)
	default:
		return apperr.Newf(apperr.CodePrecondition, "Unsupported cart field %q", field)
	}
	return nil
}

func (s *Session) RemoveFromCart(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.indexOf(itemID); idx >= 0 {
		s.lines = slices.Delete(s.lines, idx, idx+1)
	}
}

// ChangeSaleType refuses walk-in while any prescription line is present.
func (s *Session) ChangeSaleType(saleType domain.SaleType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !saleType.Valid() {
		return apperr.New(apperr.CodePrecondition, MsgInvalidSaleType)
	}
	if saleType == domain.SaleTypeWalkIn {
		for _, line := range s.lines {
			if line.PrescriptionRequired {
				return apperr.New(apperr.CodePrecondition, MsgSaleTypeBlocked)
			}
		}
	}
	s.saleType = saleType
	return nil
}

func (s *Session) SetCustomer(name string, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customer = domain.Customer{Name: strings.TrimSpace(name), Phone: strings.TrimSpace(phone)}
}

func (s *Session) SetOrderDiscount(discount domain.OrderDiscount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch discount.Type {
	case domain.DiscountPercentage:
		discount.Amount = domain.ClampPercent(discount.Amount)
	case domain.DiscountFixed:
		discount.Amount = domain.MaxZero(discount.Amount)
	default:
		return apperr.New(apperr.CodePrecondition, MsgInvalidDiscountType)
	}
	s.discount = discount
	return nil
}

func (s *Session) ClearOrderDiscount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discount = domain.OrderDiscount{}
}

func (s *Session) SetNotes(notes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = strings.TrimSpace(notes)
}

// Reset clears every field and issues a fresh idempotency key.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saleType = domain.SaleTypeWalkIn
	s.customer = domain.Customer{}
	s.lines = nil
	s.discount = domain.OrderDiscount{}
	s.payments = nil
	s.notes = ""
	s.idempotencyKey = xid.New("idem")
}

func (s *Session) Lines() []Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.lines)
}

func (s *Session) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines) == 0
}

func (s *Session) SaleType() domain.SaleType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saleType
}

func (s *Session) Customer() domain.Customer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.customer
}

func (s *Session) OrderDiscount() domain.OrderDiscount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discount
}

func (s *Session) Notes() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notes
}

func (s *Session) IdempotencyKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idempotencyKey
}

func (s *Session) Subtotal() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subtotal()
}

func (s *Session) OrderDiscountAmount() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return OrderDiscountAmount(s.subtotal(), s.discount)
}

func (s *Session) Total() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total()
}

func (s *Session) subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range s.lines {
		sum = sum.Add(line.Total())
	}
	return sum
}

// total is the payable amount, rounded to the unit the service persists.
func (s *Session) total() decimal.Decimal {
	subtotal := s.subtotal()
	return domain.Money(subtotal.Sub(OrderDiscountAmount(subtotal, s.discount)))
}

func (s *Session) indexOf(itemID string) int {
	return slices.IndexFunc(s.lines, func(l Line) bool { return l.ItemID == itemID })
}

// Snapshot is a consistent read of the session and its derived figures.
type Snapshot struct {
	SaleType       domain.SaleType
	Customer       domain.Customer
	Lines          []Line
	Discount       domain.OrderDiscount
	Payments       []domain.Payment
	Notes          string
	IdempotencyKey string
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	Reconciliation Reconciliation
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subtotal := s.subtotal()
	discountAmount := OrderDiscountAmount(subtotal, s.discount)
	total := domain.Money(subtotal.Sub(discountAmount))
	return Snapshot{
		SaleType:       s.saleType,
		Customer:       s.customer,
		Lines:          slices.Clone(s.lines),
		Discount:       s.discount,
		Payments:       slices.Clone(s.payments),
		Notes:          s.notes,
		IdempotencyKey: s.idempotencyKey,
		Subtotal:       subtotal,
		DiscountAmount: discountAmount,
		Total:          total,
		Reconciliation: Reconcile(total, s.payments),
	}
}
