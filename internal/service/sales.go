package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cache"
	"pharmapos/internal/cart"
	"pharmapos/internal/domain"
	"pharmapos/internal/sale"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

const (
	MsgDuplicateItem       = "Item appears more than once in the sale"
	MsgItemUnavailable     = "Item is not available"
	MsgCreditNoteIDMissing = "Credit note payments need a credit note id"
	MsgSaleHasReturns      = "Sales with recorded returns cannot be voided"
)

// CreateSale recomputes every figure from the catalog, checks the tender
// covers the total and persists the sale. A replayed idempotency key returns
// the original sale with duplicate set.
func (s *Service) CreateSale(ctx context.Context, tenantID string, req domain.CreateSaleRequest) (*domain.Sale, bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, false, err
	}
	if !req.SaleType.Valid() {
		return nil, false, apperr.New(apperr.CodePrecondition, cart.MsgInvalidSaleType)
	}
	if len(req.Items) == 0 {
		return nil, false, apperr.New(apperr.CodePrecondition, sale.MsgCartEmpty)
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	if existing, err := s.repo.FindSaleByIdempotency(ctx, tenantID, req.IdempotencyKey); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, mapStoreError(err, "Sale")
	}

	itemIDs := make([]string, 0, len(req.Items))
	seen := make(map[string]struct{}, len(req.Items))
	for _, line := range req.Items {
		if _, dup := seen[line.ItemID]; dup {
			return nil, false, apperr.New(apperr.CodePrecondition, MsgDuplicateItem)
		}
		seen[line.ItemID] = struct{}{}
		itemIDs = append(itemIDs, line.ItemID)
	}
	catalogItems, err := s.repo.GetItemsByIDs(ctx, tenantID, itemIDs)
	if err != nil {
		return nil, false, mapStoreError(err, "Item")
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	subtotal := decimal.Zero
	for _, line := range req.Items {
		item, ok := catalogItems[line.ItemID]
		if !ok || !item.Active {
			return nil, false, apperr.New(apperr.CodeNotFound, MsgItemUnavailable).WithDetails(map[string]string{"item_id": line.ItemID})
		}
		if line.Quantity < 1 {
			return nil, false, apperr.New(apperr.CodePrecondition, cart.MsgQuantityTooLow)
		}
		if item.PrescriptionRequired && req.SaleType == domain.SaleTypeWalkIn {
			return nil, false, apperr.New(apperr.CodePrecondition, cart.MsgPrescriptionWalkIn).WithDetails(map[string]string{"item_id": item.ID})
		}
		if line.Quantity > item.Stock {
			return nil, false, apperr.New(apperr.CodeStockConflict, cart.MsgInsufficientStock).WithDetails(map[string]any{"item_id": item.ID, "available": item.Stock})
		}

		pct := domain.ClampPercent(line.DiscountPercent)
		lineTotal := cart.LineTotal(line.Quantity, item.Price, pct)
		subtotal = subtotal.Add(lineTotal)
		items = append(items, domain.SaleItem{
			ID:                   xid.New("sli"),
			ItemID:               item.ID,
			Name:                 item.Name,
			SKU:                  item.SKU,
			Batch:                item.BatchNumber,
			Quantity:             line.Quantity,
			UnitPrice:            item.Price,
			DiscountPercent:      pct,
			LineTotal:            domain.Money(lineTotal),
			PrescriptionRequired: item.PrescriptionRequired,
		})
	}

	var orderDiscount *domain.OrderDiscount
	discountAmount := decimal.Zero
	if req.OrderDiscount != nil {
		discount := *req.OrderDiscount
		switch discount.Type {
		case domain.DiscountPercentage:
			discount.Amount = domain.ClampPercent(discount.Amount)
		case domain.DiscountFixed:
			discount.Amount = domain.MaxZero(discount.Amount)
		default:
			return nil, false, apperr.New(apperr.CodePrecondition, cart.MsgInvalidDiscountType)
		}
		discountAmount = cart.OrderDiscountAmount(subtotal, discount)
		if discountAmount.IsPositive() {
			orderDiscount = &discount
		}
	}
	total := domain.Money(subtotal.Sub(discountAmount))

	if len(req.Payments) == 0 {
		return nil, false, apperr.New(apperr.CodePrecondition, sale.MsgPaymentIncomplete)
	}
	payments := make([]domain.Payment, 0, len(req.Payments))
	for _, p := range req.Payments {
		if !p.Method.Valid() {
			return nil, false, apperr.New(apperr.CodePrecondition, cart.MsgInvalidPaymentType)
		}
		if p.Amount.IsNegative() {
			return nil, false, apperr.New(apperr.CodePrecondition, cart.MsgNegativePayment)
		}
		if p.Method == domain.PaymentCreditNote && strings.TrimSpace(p.CreditNoteID) == "" {
			return nil, false, apperr.New(apperr.CodePrecondition, MsgCreditNoteIDMissing)
		}
		p.Amount = domain.Money(p.Amount)
		payments = append(payments, p)
	}
	rec := cart.Reconcile(total, payments)
	if !rec.Settled() {
		return nil, false, apperr.New(apperr.CodePrecondition, sale.MsgPaymentIncomplete).WithDetails(map[string]string{"amount_due": rec.AmountDue.StringFixed(2)})
	}
	if excess := cart.CreditNoteExcess(total, payments); excess.IsPositive() {
		return nil, false, apperr.New(apperr.CodePrecondition, cart.MsgCreditNoteOverpaid).WithDetails(map[string]string{"excess": excess.StringFixed(2)})
	}

	actor := actorOrSystem(ctx)
	draft := domain.Sale{
		ID:       xid.New("sale"),
		TenantID: tenantID,
		SaleType: req.SaleType,
		Customer: domain.Customer{
			Name:  strings.TrimSpace(req.CustomerName),
			Phone: strings.TrimSpace(req.CustomerPhone),
		},
		Items:          items,
		Payments:       payments,
		OrderDiscount:  orderDiscount,
		Subtotal:       domain.Money(subtotal),
		DiscountAmount: domain.Money(discountAmount),
		Tax:            decimal.Zero,
		Total:          total,
		AmountPaid:     domain.Money(rec.TotalPaid),
		ChangeGiven:    domain.Money(rec.ChangeGiven),
		PaymentStatus:  domain.PaymentStatusPaid,
		Status:         domain.SaleStatusCompleted,
		Notes:          strings.TrimSpace(req.Notes),
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      actor.Username,
		CreatedAt:      s.now(),
	}

	created, err := s.repo.CreateSale(ctx, draft)
	if err != nil {
		return nil, false, mapStoreError(err, "Item")
	}
	if created.ID != draft.ID {
		// a concurrent request with the same key won the insert
		return created, true, nil
	}

	s.mutated(ctx, tenantID, cache.MutationSaleCreate, cache.Refs{SaleID: created.ID},
		auditEntry{
			action:     "sale.create",
			entityType: "sale",
			entityID:   created.ID,
			detail:     fmt.Sprintf("number=%s,total=%s,type=%s,payments=%d", created.SaleNumber, created.Total.StringFixed(2), created.SaleType, len(created.Payments)),
		},
		domain.Event{Type: domain.EventSaleCreated, EntityID: created.ID, Payload: created},
	)
	s.metrics.SaleCreated(string(created.SaleType))
	return created, false, nil
}

// VoidSale reverses a completed sale with no recorded returns.
func (s *Service) VoidSale(ctx context.Context, tenantID string, id string, reason string) (*domain.Sale, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < sale.MinVoidReasonLength {
		return nil, apperr.New(apperr.CodePrecondition, sale.MsgVoidReasonShort)
	}

	existing, err := s.repo.FindSaleByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "Sale")
	}
	if !sale.Voidable(*existing) {
		return nil, apperr.New(apperr.CodeStateConflict, sale.MsgNotVoidable)
	}
	for _, item := range existing.Items {
		if item.ReturnedQuantity > 0 {
			return nil, apperr.New(apperr.CodeStateConflict, MsgSaleHasReturns)
		}
	}

	voided, err := s.repo.VoidSale(ctx, tenantID, id, reason, s.now())
	if err != nil {
		return nil, mapStoreError(err, "Sale")
	}

	s.mutated(ctx, tenantID, cache.MutationSaleVoid, cache.Refs{SaleID: voided.ID},
		auditEntry{action: "sale.void", entityType: "sale", entityID: voided.ID, detail: reason},
		domain.Event{Type: domain.EventSaleVoided, EntityID: voided.ID, Payload: voided},
	)
	s.metrics.SaleVoided()
	return voided, nil
}

func (s *Service) GetSale(ctx context.Context, tenantID string, id string) (*domain.Sale, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	found, err := cache.ReadThrough(ctx, s.cache, cache.Key{Tenant: tenantID, Resource: cache.ResourceSale, ID: id},
		func(ctx context.Context) (*domain.Sale, error) {
			return s.repo.FindSaleByID(ctx, tenantID, id)
		})
	if err != nil {
		return nil, mapStoreError(err, "Sale")
	}
	return found, nil
}

func (s *Service) ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx, tenantID, clampLimit(limit))
	if err != nil {
		return nil, mapStoreError(err, "Sale")
	}
	return sales, nil
}
