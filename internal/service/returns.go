package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cache"
	"pharmapos/internal/domain"
	"pharmapos/internal/returns"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

// CreateReturn validates the lines against what is still returnable on the
// sale and reserves those quantities. Returns whose net refund exceeds the
// approval threshold wait in pending_approval; the rest settle immediately.
func (s *Service) CreateReturn(ctx context.Context, tenantID string, req domain.CreateReturnRequest) (*domain.Return, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if !req.Reason.Valid() {
		return nil, apperr.New(apperr.CodePrecondition, returns.MsgReasonRequired)
	}
	if req.SettlementType == "" {
		req.SettlementType = domain.SettlementCreditNote
	}
	if !req.SettlementType.Valid() {
		return nil, apperr.New(apperr.CodePrecondition, returns.MsgInvalidSettlement)
	}
	if len(req.Items) == 0 {
		return nil, apperr.New(apperr.CodePrecondition, returns.MsgNoItems)
	}

	original, err := s.repo.FindSaleByID(ctx, tenantID, req.SaleID)
	if err != nil {
		return nil, mapStoreError(err, "Sale")
	}
	if original.Status == domain.SaleStatusVoided || original.VoidedAt != nil {
		return nil, apperr.New(apperr.CodeStateConflict, returns.MsgSaleVoided)
	}
	if original.Status != domain.SaleStatusCompleted {
		return nil, apperr.New(apperr.CodeStateConflict, MsgStateConflict)
	}

	lines := make([]domain.ReturnLine, 0, len(req.Items))
	staged := make(map[string]struct{}, len(req.Items))
	for _, line := range req.Items {
		if _, dup := staged[line.SaleItemID]; dup {
			return nil, apperr.New(apperr.CodePrecondition, returns.MsgAlreadyAdded)
		}
		staged[line.SaleItemID] = struct{}{}

		item, ok := original.ItemByID(line.SaleItemID)
		if !ok {
			return nil, apperr.New(apperr.CodePrecondition, returns.MsgItemNotInSale)
		}
		if item.Returnable() == 0 {
			return nil, apperr.New(apperr.CodeStockConflict, returns.MsgAlreadyReturned)
		}
		if line.Quantity < 1 || line.Quantity > item.Returnable() {
			return nil, apperr.New(apperr.CodeStockConflict, returns.MsgQuantityOutOfRange).WithDetails(map[string]any{"sale_item_id": item.ID, "max_returnable": item.Returnable()})
		}
		if !line.Condition.Valid() {
			return nil, apperr.New(apperr.CodePrecondition, returns.MsgInvalidCondition)
		}

		lines = append(lines, domain.ReturnLine{
			ID:          xid.New("rtl"),
			SaleItemID:  item.ID,
			ItemID:      item.ItemID,
			Name:        item.Name,
			SKU:         item.SKU,
			Quantity:    line.Quantity,
			UnitPrice:   item.UnitPrice,
			LineTotal:   domain.Money(item.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))),
			Condition:   line.Condition,
			Restockable: line.Restockable,
			Disposition: domain.DispositionPending,
		})
	}

	figures, err := returns.Settle(returns.Subtotal(lines), req.RestockingFeePercent)
	if err != nil {
		return nil, err
	}

	actor := actorOrSystem(ctx)
	draft := domain.Return{
		ID:                   xid.New("ret"),
		TenantID:             tenantID,
		Type:                 domain.ReturnTypeSale,
		SaleID:               original.ID,
		InvoiceNumber:        original.InvoiceNumber,
		Customer:             original.Customer,
		Reason:               req.Reason,
		ReasonDetails:        strings.TrimSpace(req.ReasonDetails),
		Items:                lines,
		SettlementType:       req.SettlementType,
		RestockingFeePercent: req.RestockingFeePercent,
		TotalAmount:          domain.Money(figures.Subtotal),
		RestockingFee:        domain.Money(figures.RestockingFee),
		NetRefund:            domain.Money(figures.NetRefund),
		InternalNotes:        strings.TrimSpace(req.InternalNotes),
		CreatedBy:            actor.Username,
		CreatedAt:            s.now(),
	}

	var settlement *store.ReturnSettlement
	if s.needsApproval(draft.NetRefund) {
		draft.Status = domain.ReturnStatusPendingApproval
	} else {
		draft.Status = domain.ReturnStatusCompleted
		settlement = s.settlementFor(draft)
	}

	created, note, err := s.repo.CreateReturn(ctx, draft, settlement)
	if err != nil {
		return nil, mapStoreError(err, "Sale item")
	}

	events := []domain.Event{{Type: domain.EventReturnCreated, EntityID: created.ID, Payload: created}}
	if created.Status == domain.ReturnStatusCompleted {
		events = append(events, domain.Event{Type: domain.EventReturnCompleted, EntityID: created.ID, Payload: created})
	}
	if note != nil {
		events = append(events, domain.Event{Type: domain.EventCreditNoteIssued, EntityID: note.ID, Payload: note})
	}
	s.mutated(ctx, tenantID, cache.MutationReturnCreate, cache.Refs{SaleID: created.SaleID, ReturnID: created.ID},
		auditEntry{
			action:     "return.create",
			entityType: "return",
			entityID:   created.ID,
			detail:     fmt.Sprintf("number=%s,sale=%s,net=%s,status=%s", created.Number, created.SaleID, created.NetRefund.StringFixed(2), created.Status),
		},
		events...,
	)
	s.metrics.ReturnCreated(string(created.Status))
	if note != nil {
		s.metrics.CreditNoteIssued()
	}
	return created, nil
}

// DecideReturn approves or rejects a return awaiting approval. Approval
// settles it; rejection gives the reserved quantities back to the sale.
func (s *Service) DecideReturn(ctx context.Context, tenantID string, id string, req domain.ReturnDecisionRequest) (*domain.Return, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if req.Decision != domain.DecisionApprove && req.Decision != domain.DecisionReject {
		return nil, apperr.New(apperr.CodeValidation, returns.MsgInvalidDecision)
	}
	note := strings.TrimSpace(req.Notes)
	if req.Decision == domain.DecisionReject && note == "" {
		return nil, apperr.New(apperr.CodePrecondition, returns.MsgRejectNeedsNote)
	}

	existing, err := s.repo.FindReturnByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "Return")
	}
	next, err := returns.Transition(existing.Status, req.Decision)
	if err != nil {
		return nil, err
	}

	decision := store.ReturnDecision{
		Status:       next,
		DecisionNote: note,
		DecidedBy:    actorOrSystem(ctx).Username,
		DecidedAt:    s.now(),
	}
	if next == domain.ReturnStatusApproved {
		decision.Settlement = s.settlementFor(*existing)
	} else {
		decision.ReleaseReserved = true
	}

	decided, issued, err := s.repo.DecideReturn(ctx, tenantID, id, decision)
	if err != nil {
		return nil, mapStoreError(err, "Return")
	}

	eventType := domain.EventReturnRejected
	if decided.Status == domain.ReturnStatusApproved {
		eventType = domain.EventReturnApproved
	}
	events := []domain.Event{{Type: eventType, EntityID: decided.ID, Payload: decided}}
	if issued != nil {
		events = append(events, domain.Event{Type: domain.EventCreditNoteIssued, EntityID: issued.ID, Payload: issued})
	}
	s.mutated(ctx, tenantID, cache.MutationReturnDecide, cache.Refs{SaleID: decided.SaleID, ReturnID: decided.ID},
		auditEntry{
			action:     "return.decide",
			entityType: "return",
			entityID:   decided.ID,
			detail:     fmt.Sprintf("decision=%s,status=%s,note=%s", req.Decision, decided.Status, note),
		},
		events...,
	)
	s.metrics.ReturnDecided(string(req.Decision))
	if issued != nil {
		s.metrics.CreditNoteIssued()
	}
	return decided, nil
}

func (s *Service) GetReturn(ctx context.Context, tenantID string, id string) (*domain.Return, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	found, err := cache.ReadThrough(ctx, s.cache, cache.Key{Tenant: tenantID, Resource: cache.ResourceReturn, ID: id},
		func(ctx context.Context) (*domain.Return, error) {
			return s.repo.FindReturnByID(ctx, tenantID, id)
		})
	if err != nil {
		return nil, mapStoreError(err, "Return")
	}
	return found, nil
}

func (s *Service) ListReturns(ctx context.Context, tenantID string, limit int) ([]domain.Return, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	list, err := s.repo.ListReturns(ctx, tenantID, clampLimit(limit))
	if err != nil {
		return nil, mapStoreError(err, "Return")
	}
	return list, nil
}

func (s *Service) needsApproval(netRefund decimal.Decimal) bool {
	return netRefund.GreaterThan(s.approvalThreshold)
}

// settlementFor restocks restockable lines, discards the rest and, for a
// credit_note settlement with a positive net refund, issues a note for it.
func (s *Service) settlementFor(ret domain.Return) *store.ReturnSettlement {
	settlement := &store.ReturnSettlement{
		Restock:      make([]store.StockMovement, 0, len(ret.Items)),
		Dispositions: make(map[string]domain.Disposition, len(ret.Items)),
	}
	for _, line := range ret.Items {
		if line.Restockable {
			settlement.Restock = append(settlement.Restock, store.StockMovement{ItemID: line.ItemID, Quantity: line.Quantity})
			settlement.Dispositions[line.SaleItemID] = domain.DispositionRestocked
			continue
		}
		settlement.Dispositions[line.SaleItemID] = domain.DispositionDiscarded
	}

	if ret.SettlementType == domain.SettlementCreditNote && ret.NetRefund.IsPositive() {
		issuedAt := s.now()
		note := &domain.CreditNote{
			ID:              xid.New("cn"),
			TenantID:        ret.TenantID,
			Type:            domain.CreditNoteTypeReturn,
			ReturnID:        ret.ID,
			InvoiceNumber:   ret.InvoiceNumber,
			Recipient:       ret.Customer,
			OriginalAmount:  ret.NetRefund,
			UsedAmount:      decimal.Zero,
			RemainingAmount: ret.NetRefund,
			Status:          domain.CreditNoteActive,
			IssuedAt:        issuedAt,
		}
		if s.creditNoteValidity > 0 {
			note.ExpiresAt = issuedAt.Add(s.creditNoteValidity)
		}
		settlement.CreditNote = note
	}
	return settlement
}
