// Package sale turns a settled cart into a submitted sale and guards void
// requests before they reach the sales service.
package sale

import (
	"context"
	"strings"
	"sync/atomic"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cart"
	"pharmapos/internal/domain"
)

const (
	MsgCartEmpty         = "Cart is empty"
	MsgPaymentIncomplete = "Payment incomplete"
	MsgInFlight          = "Submission already in progress"
	MsgVoidReasonShort   = "Void reason must be at least 5 characters"
	MsgNotVoidable       = "Only completed sales can be voided"

	MinVoidReasonLength = 5
)

type Action string

const (
	ActionVoid   Action = "void"
	ActionReturn Action = "return"
)

type SaleCreator interface {
	CreateSale(ctx context.Context, rc domain.RequestContext, req domain.CreateSaleRequest) (*domain.Sale, error)
}

type SaleVoider interface {
	VoidSale(ctx context.Context, rc domain.RequestContext, saleID string, reason string) (*domain.Sale, error)
}

// CheckSubmittable blocks submission of an empty or underpaid cart, and of a
// cart whose credit note tenders would come back as change.
func CheckSubmittable(snapshot cart.Snapshot) error {
	if len(snapshot.Lines) == 0 {
		return apperr.New(apperr.CodePrecondition, MsgCartEmpty)
	}
	if !snapshot.Reconciliation.Settled() {
		return apperr.New(apperr.CodePrecondition, MsgPaymentIncomplete)
	}
	if cart.CreditNoteExcess(snapshot.Total, snapshot.Payments).IsPositive() {
		return apperr.New(apperr.CodePrecondition, cart.MsgCreditNoteOverpaid)
	}
	return nil
}

// BuildPayload maps a cart snapshot to the create-sale request body.
func BuildPayload(snapshot cart.Snapshot) domain.CreateSaleRequest {
	req := domain.CreateSaleRequest{
		SaleType:       snapshot.SaleType,
		CustomerName:   snapshot.Customer.Name,
		CustomerPhone:  snapshot.Customer.Phone,
		Items:          make([]domain.SaleLineRequest, 0, len(snapshot.Lines)),
		Payments:       make([]domain.Payment, 0, len(snapshot.Payments)),
		Notes:          snapshot.Notes,
		IdempotencyKey: snapshot.IdempotencyKey,
	}
	for _, line := range snapshot.Lines {
		req.Items = append(req.Items, domain.SaleLineRequest{
			ItemID:          line.ItemID,
			Quantity:        line.Quantity,
			DiscountPercent: line.DiscountPercent,
		})
	}
	for _, payment := range snapshot.Payments {
		payment.Amount = domain.Money(payment.Amount)
		req.Payments = append(req.Payments, payment)
	}
	if snapshot.DiscountAmount.IsPositive() {
		discount := snapshot.Discount
		req.OrderDiscount = &discount
	}
	return req
}

// Finalizer submits one sale at a time per terminal.
type Finalizer struct {
	client  SaleCreator
	pending atomic.Bool
}

func NewFinalizer(client SaleCreator) *Finalizer {
	return &Finalizer{client: client}
}

func (f *Finalizer) Pending() bool {
	return f.pending.Load()
}

// Submit checks preconditions locally, then creates the sale. The session is
// reset only after the service accepts it.
func (f *Finalizer) Submit(ctx context.Context, rc domain.RequestContext, session *cart.Session) (*domain.Sale, error) {
	snapshot := session.Snapshot()
	if err := CheckSubmittable(snapshot); err != nil {
		return nil, err
	}
	if !f.pending.CompareAndSwap(false, true) {
		return nil, apperr.New(apperr.CodePrecondition, MsgInFlight)
	}
	defer f.pending.Store(false)

	created, err := f.client.CreateSale(ctx, rc, BuildPayload(snapshot))
	if err != nil {
		return nil, apperr.Submission(err)
	}
	session.Reset()
	return created, nil
}

// Voider guards void requests for one terminal.
type Voider struct {
	client  SaleVoider
	pending atomic.Bool
}

func NewVoider(client SaleVoider) *Voider {
	return &Voider{client: client}
}

func (v *Voider) Void(ctx context.Context, rc domain.RequestContext, sale domain.Sale, reason string) (*domain.Sale, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < MinVoidReasonLength {
		return nil, apperr.New(apperr.CodePrecondition, MsgVoidReasonShort)
	}
	if !Voidable(sale) {
		return nil, apperr.New(apperr.CodeStateConflict, MsgNotVoidable)
	}
	if !v.pending.CompareAndSwap(false, true) {
		return nil, apperr.New(apperr.CodePrecondition, MsgInFlight)
	}
	defer v.pending.Store(false)

	updated, err := v.client.VoidSale(ctx, rc, sale.ID, reason)
	if err != nil {
		return nil, apperr.Submission(err)
	}
	return updated, nil
}

func Voidable(sale domain.Sale) bool {
	return sale.Status == domain.SaleStatusCompleted && sale.VoidedAt == nil
}

// Actions lists what the terminal may offer for sale. Voided sales expose none.
func Actions(sale domain.Sale) []Action {
	if !Voidable(sale) {
		return nil
	}
	actions := []Action{ActionVoid}
	for _, item := range sale.Items {
		if item.Returnable() > 0 {
			actions = append(actions, ActionReturn)
			break
		}
	}
	return actions
}
