package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"pharmapos/internal/domain"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

const DefaultTenant = "demo-clinic"

type Store struct {
	mu          sync.RWMutex
	items       map[string]map[string]domain.InventoryItem
	itemOrder   map[string][]string
	sales       map[string]*domain.Sale
	saleOrder   map[string][]string
	salesByIdem map[string]string
	returns     map[string]*domain.Return
	returnOrder map[string][]string
	creditNotes map[string]*domain.CreditNote
	noteOrder   map[string][]string
	counters    map[string]int64
	auditLogs   []domain.AuditLog
	users       map[string]domain.UserAccount
	now         func() time.Time
}

func New() *Store {
	return &Store{
		items:       map[string]map[string]domain.InventoryItem{},
		itemOrder:   map[string][]string{},
		sales:       map[string]*domain.Sale{},
		saleOrder:   map[string][]string{},
		salesByIdem: map[string]string{},
		returns:     map[string]*domain.Return{},
		returnOrder: map[string][]string{},
		creditNotes: map[string]*domain.CreditNote{},
		noteOrder:   map[string][]string{},
		counters:    map[string]int64{},
		auditLogs:   make([]domain.AuditLog, 0, 128),
		users:       map[string]domain.UserAccount{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for document numbers and credit
// note expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// NewSeeded returns a store holding a demo pharmacy catalog and one account
// per role for tenantID.
func NewSeeded(tenantID string) (*Store, error) {
	if strings.TrimSpace(tenantID) == "" {
		tenantID = DefaultTenant
	}
	s := New()
	for _, item := range seedCatalog(tenantID) {
		s.PutItem(item)
	}
	users, err := seedUsers(tenantID, s.now())
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		s.users[userKey(user.TenantID, user.Username)] = user
	}
	return s, nil
}

func seedCatalog(tenantID string) []domain.InventoryItem {
	price := decimal.RequireFromString
	items := []domain.InventoryItem{
		{ID: "itm-para-500", Name: "Paracetamol 500mg Tablets (20)", SKU: "PARA-500", Price: price("4.50"), Stock: 120, BatchNumber: "PA2409"},
		{ID: "itm-ibu-200", Name: "Ibuprofen 200mg Tablets (24)", SKU: "IBU-200", Price: price("5.25"), Stock: 80, BatchNumber: "IB2411"},
		{ID: "itm-cetir-10", Name: "Cetirizine 10mg Tablets (30)", SKU: "CET-10", Price: price("7.90"), Stock: 45, BatchNumber: "CE2502"},
		{ID: "itm-ors-sachet", Name: "Oral Rehydration Salts Sachet", SKU: "ORS-01", Price: price("1.20"), Stock: 200, BatchNumber: "OR2501"},
		{ID: "itm-vitc-1000", Name: "Vitamin C 1000mg Effervescent", SKU: "VITC-1000", Price: price("6.40"), Stock: 60, BatchNumber: "VC2412"},
		{ID: "itm-saline-nasal", Name: "Saline Nasal Spray 30ml", SKU: "SAL-NAS", Price: price("8.75"), Stock: 35, BatchNumber: "SN2410"},
		{ID: "itm-amox-500", Name: "Amoxicillin 500mg Capsules (21)", SKU: "AMOX-500", Price: price("12.30"), Stock: 40, PrescriptionRequired: true, BatchNumber: "AM2501"},
		{ID: "itm-metf-850", Name: "Metformin 850mg Tablets (56)", SKU: "METF-850", Price: price("9.60"), Stock: 50, PrescriptionRequired: true, BatchNumber: "MF2412"},
		{ID: "itm-salb-inh", Name: "Salbutamol 100mcg Inhaler", SKU: "SALB-INH", Price: price("50.00"), Stock: 25, PrescriptionRequired: true, BatchNumber: "SB2503"},
		{ID: "itm-ator-20", Name: "Atorvastatin 20mg Tablets (28)", SKU: "ATOR-20", Price: price("14.80"), Stock: 30, PrescriptionRequired: true, BatchNumber: "AT2502"},
		{ID: "itm-insulin-pen", Name: "Insulin Glargine Pen 100U/ml", SKU: "INS-GLA", Price: price("148.00"), Stock: 10, PrescriptionRequired: true, BatchNumber: "IG2504"},
		{ID: "itm-gauze-pack", Name: "Sterile Gauze Pads (10)", SKU: "GAUZE-10", Price: price("3.10"), Stock: 0, BatchNumber: "GZ2408"},
	}
	for i := range items {
		items[i].TenantID = tenantID
		items[i].Active = true
	}
	return items
}

// seedUsers builds one account per role. Passwords come from
// SEED_<ROLE>_PASSWORD and fall back to "<role>123" for local demos.
func seedUsers(tenantID string, now time.Time) ([]domain.UserAccount, error) {
	roles := []struct {
		username string
		role     string
	}{
		{"doctor", "doctor"},
		{"nurse", "nurse"},
		{"pharmacist", "pharmacist"},
		{"manager", "pharmacy_manager"},
		{"admin", "admin"},
	}
	users := make([]domain.UserAccount, 0, len(roles))
	for _, r := range roles {
		password := envOr("SEED_"+strings.ToUpper(r.username)+"_PASSWORD", r.username+"123")
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		users = append(users, domain.UserAccount{
			TenantID:  tenantID,
			Username:  r.username,
			Password:  string(hash),
			Role:      r.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

// DefaultSeedPasswords reports whether any seeded account uses its built-in
// demo password.
func DefaultSeedPasswords() bool {
	for _, name := range []string{"DOCTOR", "NURSE", "PHARMACIST", "MANAGER", "ADMIN"} {
		if os.Getenv("SEED_"+name+"_PASSWORD") == "" {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutItem inserts or replaces an inventory item, keeping first-insert order.
func (s *Store) PutItem(item domain.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.items[item.TenantID] == nil {
		s.items[item.TenantID] = map[string]domain.InventoryItem{}
	}
	if _, exists := s.items[item.TenantID][item.ID]; !exists {
		s.itemOrder[item.TenantID] = append(s.itemOrder[item.TenantID], item.ID)
	}
	s.items[item.TenantID][item.ID] = item
}

func (s *Store) ListItems(_ context.Context, tenantID string) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.itemOrder[tenantID]))
	for _, id := range s.itemOrder[tenantID] {
		item := s.items[tenantID][id]
		if !item.Active {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) GetItemsByIDs(_ context.Context, tenantID string, ids []string) (map[string]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.InventoryItem, len(ids))
	for _, id := range ids {
		if item, ok := s.items[tenantID][id]; ok {
			result[id] = item
		}
	}
	return result, nil
}

func (s *Store) FindSaleByID(_ context.Context, tenantID string, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[scoped(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, tenantID string, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByIdem[scoped(tenantID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.sales[scoped(tenantID, id)]), nil
}

func (s *Store) ListSales(_ context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.saleOrder[tenantID]
	result := make([]domain.Sale, 0, min(len(order), max(limit, 0)))
	for i := len(order) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, *cloneSale(s.sales[scoped(tenantID, order[i])]))
	}
	return result, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.TenantID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if sale.IdempotencyKey != "" {
		if id, ok := s.salesByIdem[scoped(sale.TenantID, sale.IdempotencyKey)]; ok {
			return cloneSale(s.sales[scoped(sale.TenantID, id)]), nil
		}
	}

	catalog := s.items[sale.TenantID]
	needed := map[string]int{}
	for _, line := range sale.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		needed[line.ItemID] += line.Quantity
	}
	for itemID, qty := range needed {
		item, ok := catalog[itemID]
		if !ok || !item.Active {
			return nil, store.ErrNotFound
		}
		if item.Stock < qty {
			return nil, store.ErrInsufficientStock
		}
	}

	now := s.now()
	redemptions := map[string]decimal.Decimal{}
	for _, payment := range sale.Payments {
		if payment.Method != domain.PaymentCreditNote {
			continue
		}
		redemptions[payment.CreditNoteID] = redemptions[payment.CreditNoteID].Add(payment.Amount)
	}
	for noteID, amount := range redemptions {
		note, ok := s.creditNotes[scoped(sale.TenantID, noteID)]
		if !ok || note.EffectiveStatus(now) != domain.CreditNoteActive || note.RemainingAmount.LessThan(amount) {
			return nil, store.ErrCreditNoteUnavailable
		}
	}

	for itemID, qty := range needed {
		item := catalog[itemID]
		item.Stock -= qty
		catalog[itemID] = item
	}
	for noteID, amount := range redemptions {
		redeem(s.creditNotes[scoped(sale.TenantID, noteID)], amount)
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	for i := range sale.Items {
		if sale.Items[i].ID == "" {
			sale.Items[i].ID = xid.New("sli")
		}
	}
	sale.SaleNumber = s.nextNumber(sale.TenantID, store.PrefixSale, sale.CreatedAt)
	sale.InvoiceNumber = s.nextNumber(sale.TenantID, store.PrefixInvoice, sale.CreatedAt)

	stored := cloneSale(&sale)
	s.sales[scoped(sale.TenantID, sale.ID)] = stored
	s.saleOrder[sale.TenantID] = append(s.saleOrder[sale.TenantID], sale.ID)
	if sale.IdempotencyKey != "" {
		s.salesByIdem[scoped(sale.TenantID, sale.IdempotencyKey)] = sale.ID
	}
	return cloneSale(stored), nil
}

func (s *Store) VoidSale(_ context.Context, tenantID string, id string, reason string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[scoped(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidState
	}
	for _, line := range sale.Items {
		if line.ReturnedQuantity > 0 {
			return nil, store.ErrInvalidState
		}
	}

	catalog := s.items[tenantID]
	for _, line := range sale.Items {
		if item, ok := catalog[line.ItemID]; ok {
			item.Stock += line.Quantity
			catalog[line.ItemID] = item
		}
	}
	for _, payment := range sale.Payments {
		if payment.Method != domain.PaymentCreditNote {
			continue
		}
		if note, ok := s.creditNotes[scoped(tenantID, payment.CreditNoteID)]; ok {
			reinstate(note, payment.Amount)
		}
	}

	sale.Status = domain.SaleStatusVoided
	sale.PaymentStatus = domain.PaymentStatusReversed
	sale.VoidReason = reason
	voidedAt := at.UTC()
	sale.VoidedAt = &voidedAt
	return cloneSale(sale), nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return, settlement *store.ReturnSettlement) (*domain.Return, *domain.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ret.TenantID == "" || len(ret.Items) == 0 {
		return nil, nil, store.ErrInvalidInput
	}
	sale, ok := s.sales[scoped(ret.TenantID, ret.SaleID)]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, nil, store.ErrInvalidState
	}

	claimed := map[string]int{}
	for _, line := range ret.Items {
		if line.Quantity < 1 {
			return nil, nil, store.ErrInvalidInput
		}
		claimed[line.SaleItemID] += line.Quantity
	}
	for saleItemID, qty := range claimed {
		item, ok := sale.ItemByID(saleItemID)
		if !ok {
			return nil, nil, store.ErrNotFound
		}
		if qty > item.Returnable() {
			return nil, nil, store.ErrReturnQuantityExceeded
		}
	}

	for i := range sale.Items {
		sale.Items[i].ReturnedQuantity += claimed[sale.Items[i].ID]
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = s.now()
	}
	for i := range ret.Items {
		if ret.Items[i].ID == "" {
			ret.Items[i].ID = xid.New("rtl")
		}
	}
	ret.Number = s.nextNumber(ret.TenantID, store.PrefixReturn, ret.CreatedAt)

	stored := cloneReturn(&ret)
	note := s.applySettlement(stored, settlement)
	s.returns[scoped(ret.TenantID, ret.ID)] = stored
	s.returnOrder[ret.TenantID] = append(s.returnOrder[ret.TenantID], ret.ID)
	return cloneReturn(stored), cloneCreditNote(note), nil
}

func (s *Store) FindReturnByID(_ context.Context, tenantID string, id string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returns[scoped(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (s *Store) ListReturns(_ context.Context, tenantID string, limit int) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.returnOrder[tenantID]
	result := make([]domain.Return, 0, min(len(order), max(limit, 0)))
	for i := len(order) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, *cloneReturn(s.returns[scoped(tenantID, order[i])]))
	}
	return result, nil
}

func (s *Store) DecideReturn(_ context.Context, tenantID string, id string, decision store.ReturnDecision) (*domain.Return, *domain.CreditNote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returns[scoped(tenantID, id)]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusPendingApproval {
		return nil, nil, store.ErrInvalidState
	}

	if decision.ReleaseReserved {
		if sale, ok := s.sales[scoped(tenantID, ret.SaleID)]; ok {
			released := map[string]int{}
			for _, line := range ret.Items {
				released[line.SaleItemID] += line.Quantity
			}
			for i := range sale.Items {
				sale.Items[i].ReturnedQuantity = max(sale.Items[i].ReturnedQuantity-released[sale.Items[i].ID], 0)
			}
		}
	}

	ret.Status = decision.Status
	ret.DecisionNote = decision.DecisionNote
	ret.DecidedBy = decision.DecidedBy
	decidedAt := decision.DecidedAt.UTC()
	ret.DecidedAt = &decidedAt
	note := s.applySettlement(ret, decision.Settlement)
	return cloneReturn(ret), cloneCreditNote(note), nil
}

// applySettlement restocks, records dispositions and issues the credit note.
// Callers hold the write lock and have already validated the return.
func (s *Store) applySettlement(ret *domain.Return, settlement *store.ReturnSettlement) *domain.CreditNote {
	if settlement == nil {
		return nil
	}
	catalog := s.items[ret.TenantID]
	for _, movement := range settlement.Restock {
		if item, ok := catalog[movement.ItemID]; ok {
			item.Stock += movement.Quantity
			catalog[movement.ItemID] = item
		}
	}
	for i := range ret.Items {
		if disposition, ok := settlement.Dispositions[ret.Items[i].ID]; ok {
			ret.Items[i].Disposition = disposition
		} else if disposition, ok := settlement.Dispositions[ret.Items[i].SaleItemID]; ok {
			ret.Items[i].Disposition = disposition
		}
	}
	if settlement.CreditNote == nil {
		return nil
	}

	note := *settlement.CreditNote
	if note.ID == "" {
		note.ID = xid.New("cn")
	}
	if note.IssuedAt.IsZero() {
		note.IssuedAt = s.now()
	}
	note.TenantID = ret.TenantID
	note.ReturnID = ret.ID
	note.Number = s.nextNumber(ret.TenantID, store.PrefixCreditNote, note.IssuedAt)
	stored := note
	s.creditNotes[scoped(ret.TenantID, note.ID)] = &stored
	s.noteOrder[ret.TenantID] = append(s.noteOrder[ret.TenantID], note.ID)
	ret.CreditNoteID = note.ID
	return &stored
}

func (s *Store) FindCreditNoteByID(_ context.Context, tenantID string, id string) (*domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, ok := s.creditNotes[scoped(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCreditNote(note), nil
}

func (s *Store) ListCreditNotes(_ context.Context, tenantID string, limit int) ([]domain.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order := s.noteOrder[tenantID]
	result := make([]domain.CreditNote, 0, min(len(order), max(limit, 0)))
	for i := len(order) - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, *cloneCreditNote(s.creditNotes[scoped(tenantID, order[i])]))
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.TenantID != tenantID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if user.TenantID == "" || username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	key := userKey(user.TenantID, username)
	if _, exists := s.users[key]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	user.Active = true
	s.users[key] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		if c := strings.Compare(a.TenantID, b.TenantID); c != 0 {
			return c
		}
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, tenantID string, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	key := userKey(tenantID, username)
	user, exists := s.users[key]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[key] = user
	return nil
}

func (s *Store) nextNumber(tenantID string, prefix string, at time.Time) string {
	day := at.UTC().Format("20060102")
	key := tenantID + "|" + prefix + "|" + day
	s.counters[key]++
	return store.DocumentNumber(prefix, at, s.counters[key])
}

func redeem(note *domain.CreditNote, amount decimal.Decimal) {
	note.UsedAmount = note.UsedAmount.Add(amount)
	note.RemainingAmount = note.OriginalAmount.Sub(note.UsedAmount)
	if !note.RemainingAmount.IsPositive() {
		note.RemainingAmount = decimal.Zero
		note.Status = domain.CreditNoteExhausted
	}
}

func reinstate(note *domain.CreditNote, amount decimal.Decimal) {
	note.UsedAmount = domain.MaxZero(note.UsedAmount.Sub(amount))
	note.RemainingAmount = note.OriginalAmount.Sub(note.UsedAmount)
	if note.Status == domain.CreditNoteExhausted && note.RemainingAmount.IsPositive() {
		note.Status = domain.CreditNoteActive
	}
}

func scoped(tenantID string, id string) string {
	return tenantID + "/" + id
}

func userKey(tenantID string, username string) string {
	return tenantID + "/" + strings.ToLower(strings.TrimSpace(username))
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Payments = slices.Clone(src.Payments)
	if src.OrderDiscount != nil {
		discount := *src.OrderDiscount
		dup.OrderDiscount = &discount
	}
	if src.VoidedAt != nil {
		voidedAt := *src.VoidedAt
		dup.VoidedAt = &voidedAt
	}
	return &dup
}

func cloneReturn(src *domain.Return) *domain.Return {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if src.DecidedAt != nil {
		decidedAt := *src.DecidedAt
		dup.DecidedAt = &decidedAt
	}
	return &dup
}

func cloneCreditNote(src *domain.CreditNote) *domain.CreditNote {
	if src == nil {
		return nil
	}
	dup := *src
	return &dup
}
