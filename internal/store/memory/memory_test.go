package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pharmapos/internal/domain"
	"pharmapos/internal/store"
)

var _ store.Repository = (*Store)(nil)

const tenant = "clinic-a"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.now = func() time.Time { return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC) }
	s.PutItem(domain.InventoryItem{ID: "itm-para", TenantID: tenant, Name: "Paracetamol", SKU: "PARA", Price: decimal.NewFromInt(10), Stock: 5, Active: true})
	s.PutItem(domain.InventoryItem{ID: "itm-amox", TenantID: tenant, Name: "Amoxicillin", SKU: "AMOX", Price: decimal.NewFromInt(25), Stock: 2, Active: true, PrescriptionRequired: true})
	return s
}

func saleOf(key string, qty int) domain.Sale {
	total := decimal.NewFromInt(int64(10 * qty))
	return domain.Sale{
		TenantID:       tenant,
		SaleType:       domain.SaleTypeWalkIn,
		Items:          []domain.SaleItem{{ItemID: "itm-para", Name: "Paracetamol", Quantity: qty, UnitPrice: decimal.NewFromInt(10), LineTotal: total}},
		Payments:       []domain.Payment{{Method: domain.PaymentCash, Amount: total}},
		Total:          total,
		Status:         domain.SaleStatusCompleted,
		PaymentStatus:  domain.PaymentStatusPaid,
		IdempotencyKey: key,
	}
}

func stockOf(t *testing.T, s *Store, itemID string) int {
	t.Helper()
	items, err := s.GetItemsByIDs(context.Background(), tenant, []string{itemID})
	if err != nil {
		t.Fatalf("get items: %v", err)
	}
	return items[itemID].Stock
}

func TestCreateSaleDecrementsStockAndNumbersDocuments(t *testing.T) {
	s := newTestStore(t)

	sale, err := s.CreateSale(context.Background(), saleOf("idem-1", 3))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.SaleNumber != "SAL-20260314-000001" || sale.InvoiceNumber != "INV-20260314-000001" {
		t.Fatalf("unexpected numbers %s %s", sale.SaleNumber, sale.InvoiceNumber)
	}
	if sale.Items[0].ID == "" {
		t.Fatalf("expected sale line id")
	}
	if got := stockOf(t, s, "itm-para"); got != 2 {
		t.Fatalf("expected stock 2, got %d", got)
	}

	if _, err := s.CreateSale(context.Background(), saleOf("idem-2", 3)); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if got := stockOf(t, s, "itm-para"); got != 2 {
		t.Fatalf("failed sale must not touch stock, got %d", got)
	}
}

func TestCreateSaleIsIdempotentPerTenant(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateSale(context.Background(), saleOf("idem-1", 1))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	replay, err := s.CreateSale(context.Background(), saleOf("idem-1", 1))
	if err != nil {
		t.Fatalf("replay sale: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("expected replay to return %s, got %s", first.ID, replay.ID)
	}
	if got := stockOf(t, s, "itm-para"); got != 4 {
		t.Fatalf("replay must not decrement stock again, got %d", got)
	}

	found, err := s.FindSaleByIdempotency(context.Background(), tenant, "idem-1")
	if err != nil || found.ID != first.ID {
		t.Fatalf("find by idempotency: %v %+v", err, found)
	}
	if _, err := s.FindSaleByIdempotency(context.Background(), "clinic-b", "idem-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected tenant isolation, got %v", err)
	}
	if _, err := s.FindSaleByID(context.Background(), "clinic-b", first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected tenant isolation by id, got %v", err)
	}
}

func TestVoidSaleRestocksOnceAndRejectsRepeat(t *testing.T) {
	s := newTestStore(t)
	sale, err := s.CreateSale(context.Background(), saleOf("idem-1", 2))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	voided, err := s.VoidSale(context.Background(), tenant, sale.ID, "Customer changed mind", s.now())
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if voided.Status != domain.SaleStatusVoided || voided.PaymentStatus != domain.PaymentStatusReversed || voided.VoidedAt == nil {
		t.Fatalf("unexpected voided sale %+v", voided)
	}
	if got := stockOf(t, s, "itm-para"); got != 5 {
		t.Fatalf("expected stock restored to 5, got %d", got)
	}
	if _, err := s.VoidSale(context.Background(), tenant, sale.ID, "again please", s.now()); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on second void, got %v", err)
	}
	if _, _, err := s.CreateReturn(context.Background(), domain.Return{
		TenantID: tenant,
		SaleID:   sale.ID,
		Items:    []domain.ReturnLine{{SaleItemID: sale.Items[0].ID, Quantity: 1}},
	}, nil); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected voided sale to reject returns, got %v", err)
	}
}

func TestReturnReservesQuantityAndAppliesSettlement(t *testing.T) {
	s := newTestStore(t)
	sale, err := s.CreateSale(context.Background(), saleOf("idem-1", 3))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	lineID := sale.Items[0].ID

	ret, note, err := s.CreateReturn(context.Background(), domain.Return{
		TenantID: tenant,
		SaleID:   sale.ID,
		Status:   domain.ReturnStatusCompleted,
		Items:    []domain.ReturnLine{{SaleItemID: lineID, ItemID: "itm-para", Quantity: 2, Restockable: true}},
	}, &store.ReturnSettlement{
		Restock:      []store.StockMovement{{ItemID: "itm-para", Quantity: 2}},
		Dispositions: map[string]domain.Disposition{lineID: domain.DispositionRestocked},
		CreditNote: &domain.CreditNote{
			Type:            domain.CreditNoteTypeReturn,
			OriginalAmount:  decimal.NewFromInt(20),
			RemainingAmount: decimal.NewFromInt(20),
			Status:          domain.CreditNoteActive,
		},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}
	if ret.Number != "RET-20260314-000001" || ret.Items[0].Disposition != domain.DispositionRestocked {
		t.Fatalf("unexpected return %+v", ret)
	}
	if note == nil || note.Number != "CN-20260314-000001" || note.ReturnID != ret.ID || ret.CreditNoteID != note.ID {
		t.Fatalf("unexpected credit note %+v for return %+v", note, ret)
	}
	if got := stockOf(t, s, "itm-para"); got != 4 {
		t.Fatalf("expected restocked stock 4, got %d", got)
	}

	updated, _ := s.FindSaleByID(context.Background(), tenant, sale.ID)
	if updated.Items[0].ReturnedQuantity != 2 || updated.Items[0].Returnable() != 1 {
		t.Fatalf("expected 2 returned, got %+v", updated.Items[0])
	}

	_, _, err = s.CreateReturn(context.Background(), domain.Return{
		TenantID: tenant,
		SaleID:   sale.ID,
		Items:    []domain.ReturnLine{{SaleItemID: lineID, Quantity: 2}},
	}, nil)
	if !errors.Is(err, store.ErrReturnQuantityExceeded) {
		t.Fatalf("expected quantity exceeded, got %v", err)
	}

	if _, err := s.VoidSale(context.Background(), tenant, sale.ID, "too late now", s.now()); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected returned sale to refuse void, got %v", err)
	}
}

func TestDecideReturnRejectReleasesReservation(t *testing.T) {
	s := newTestStore(t)
	sale, err := s.CreateSale(context.Background(), saleOf("idem-1", 2))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	ret, _, err := s.CreateReturn(context.Background(), domain.Return{
		TenantID: tenant,
		SaleID:   sale.ID,
		Status:   domain.ReturnStatusPendingApproval,
		Items:    []domain.ReturnLine{{SaleItemID: sale.Items[0].ID, Quantity: 2, Disposition: domain.DispositionPending}},
	}, nil)
	if err != nil {
		t.Fatalf("create return: %v", err)
	}

	decided, note, err := s.DecideReturn(context.Background(), tenant, ret.ID, store.ReturnDecision{
		Status:          domain.ReturnStatusRejected,
		DecisionNote:    "Opened packaging",
		DecidedBy:       "manager",
		DecidedAt:       s.now(),
		ReleaseReserved: true,
	})
	if err != nil {
		t.Fatalf("decide return: %v", err)
	}
	if decided.Status != domain.ReturnStatusRejected || note != nil || decided.DecidedAt == nil {
		t.Fatalf("unexpected decision %+v %+v", decided, note)
	}
	updated, _ := s.FindSaleByID(context.Background(), tenant, sale.ID)
	if updated.Items[0].Returnable() != 2 {
		t.Fatalf("expected reservation released, got %+v", updated.Items[0])
	}

	if _, _, err := s.DecideReturn(context.Background(), tenant, ret.ID, store.ReturnDecision{Status: domain.ReturnStatusApproved}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected second decision to fail, got %v", err)
	}
}

func TestCreditNoteTenderRedeemsAndVoidReinstates(t *testing.T) {
	s := newTestStore(t)
	first, err := s.CreateSale(context.Background(), saleOf("idem-1", 2))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	_, note, err := s.CreateReturn(context.Background(), domain.Return{
		TenantID: tenant,
		SaleID:   first.ID,
		Items:    []domain.ReturnLine{{SaleItemID: first.Items[0].ID, Quantity: 1}},
	}, &store.ReturnSettlement{CreditNote: &domain.CreditNote{
		OriginalAmount:  decimal.NewFromInt(10),
		RemainingAmount: decimal.NewFromInt(10),
		Status:          domain.CreditNoteActive,
		ExpiresAt:       s.now().Add(24 * time.Hour),
	}})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}

	redeeming := saleOf("idem-2", 1)
	redeeming.Payments = []domain.Payment{{Method: domain.PaymentCreditNote, Amount: decimal.NewFromInt(10), PaymentDetails: domain.PaymentDetails{CreditNoteID: note.ID}}}
	second, err := s.CreateSale(context.Background(), redeeming)
	if err != nil {
		t.Fatalf("redeem credit note: %v", err)
	}
	exhausted, _ := s.FindCreditNoteByID(context.Background(), tenant, note.ID)
	if exhausted.Status != domain.CreditNoteExhausted || !exhausted.RemainingAmount.IsZero() {
		t.Fatalf("expected exhausted note, got %+v", exhausted)
	}

	again := saleOf("idem-3", 1)
	again.Payments = redeeming.Payments
	if _, err := s.CreateSale(context.Background(), again); !errors.Is(err, store.ErrCreditNoteUnavailable) {
		t.Fatalf("expected unavailable credit note, got %v", err)
	}

	if _, err := s.VoidSale(context.Background(), tenant, second.ID, "Wrong customer", s.now()); err != nil {
		t.Fatalf("void sale: %v", err)
	}
	reinstated, _ := s.FindCreditNoteByID(context.Background(), tenant, note.ID)
	if reinstated.Status != domain.CreditNoteActive || !reinstated.RemainingAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected reinstated note, got %+v", reinstated)
	}
}

func TestListsAreNewestFirstAndLimited(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"a", "b", "c"} {
		if _, err := s.CreateSale(context.Background(), saleOf(key, 1)); err != nil {
			t.Fatalf("create sale %s: %v", key, err)
		}
	}
	sales, err := s.ListSales(context.Background(), tenant, 2)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 2 || sales[0].IdempotencyKey != "c" || sales[1].IdempotencyKey != "b" {
		t.Fatalf("unexpected order %+v", sales)
	}
	if sales[0].SaleNumber != "SAL-20260314-000003" {
		t.Fatalf("unexpected sale number %s", sales[0].SaleNumber)
	}
}

func TestAuditLogsFilterByTenantAndRange(t *testing.T) {
	s := newTestStore(t)
	base := s.now()
	entries := []domain.AuditLog{
		{TenantID: tenant, Action: "sale.create", CreatedAt: base.Add(-2 * time.Hour)},
		{TenantID: tenant, Action: "sale.void", CreatedAt: base.Add(-time.Hour)},
		{TenantID: "clinic-b", Action: "sale.create", CreatedAt: base.Add(-time.Hour)},
		{TenantID: tenant, Action: "return.create", CreatedAt: base.Add(time.Hour)},
	}
	for _, entry := range entries {
		if err := s.CreateAuditLog(context.Background(), entry); err != nil {
			t.Fatalf("create audit: %v", err)
		}
	}

	logs, err := s.ListAuditLogs(context.Background(), tenant, base.Add(-3*time.Hour), base, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "sale.void" || logs[1].Action != "sale.create" {
		t.Fatalf("unexpected audit logs %+v", logs)
	}
}

func TestSeededStoreHasAccountPerRole(t *testing.T) {
	s, err := NewSeeded("")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	users, err := s.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	roles := map[string]bool{}
	for _, user := range users {
		if user.TenantID != DefaultTenant {
			t.Fatalf("unexpected tenant %q", user.TenantID)
		}
		if user.Password == user.Username+"123" {
			t.Fatalf("seed password for %s must be hashed", user.Username)
		}
		roles[user.Role] = true
	}
	for _, role := range []string{"doctor", "nurse", "pharmacist", "pharmacy_manager", "admin"} {
		if !roles[role] {
			t.Fatalf("missing seeded role %s", role)
		}
	}

	items, _ := s.ListItems(context.Background(), DefaultTenant)
	if len(items) == 0 {
		t.Fatalf("expected seeded catalog")
	}
}
