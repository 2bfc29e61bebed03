package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"pharmapos/internal/config"
	"pharmapos/internal/domain"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so loaders can run inside
// or outside a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func New(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, 8))
	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, 30))
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ListItems(ctx context.Context, tenantID string) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, sku, price, stock, prescription_required, COALESCE(batch_number,''), active
		FROM inventory_items
		WHERE tenant_id = $1 AND active = true
		ORDER BY position ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 128)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItemsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.InventoryItem, error) {
	result := make(map[string]domain.InventoryItem, len(ids))
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, sku, price, stock, prescription_required, COALESCE(batch_number,''), active
		FROM inventory_items
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanItem(rows *sql.Rows) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := rows.Scan(&item.ID, &item.TenantID, &item.Name, &item.SKU, &item.Price, &item.Stock,
		&item.PrescriptionRequired, &item.BatchNumber, &item.Active)
	return item, err
}

const saleColumns = `
	id, tenant_id, sale_number, invoice_number, sale_type,
	COALESCE(customer_name,''), COALESCE(customer_phone,''),
	order_discount_type, order_discount_amount,
	subtotal, discount_amount, tax, total, amount_paid, change_given,
	payment_status, status, COALESCE(notes,''), idempotency_key, created_by, created_at,
	void_reason, voided_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var discountType sql.NullString
	var discountAmount decimal.NullDecimal
	var voidReason sql.NullString
	var voidedAt sql.NullTime

	err := row.Scan(
		&sale.ID,
		&sale.TenantID,
		&sale.SaleNumber,
		&sale.InvoiceNumber,
		&sale.SaleType,
		&sale.Customer.Name,
		&sale.Customer.Phone,
		&discountType,
		&discountAmount,
		&sale.Subtotal,
		&sale.DiscountAmount,
		&sale.Tax,
		&sale.Total,
		&sale.AmountPaid,
		&sale.ChangeGiven,
		&sale.PaymentStatus,
		&sale.Status,
		&sale.Notes,
		&sale.IdempotencyKey,
		&sale.CreatedBy,
		&sale.CreatedAt,
		&voidReason,
		&voidedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if discountType.Valid && discountAmount.Valid {
		sale.OrderDiscount = &domain.OrderDiscount{Type: domain.DiscountType(discountType.String), Amount: discountAmount.Decimal}
	}
	if voidReason.Valid {
		sale.VoidReason = voidReason.String
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) FindSaleByID(ctx context.Context, tenantID string, id string) (*domain.Sale, error) {
	return findSale(ctx, s.db, tenantID, "id", id)
}

func (s *Store) FindSaleByIdempotency(ctx context.Context, tenantID string, key string) (*domain.Sale, error) {
	return findSale(ctx, s.db, tenantID, "idempotency_key", key)
}

func findSale(ctx context.Context, q querier, tenantID string, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	query := fmt.Sprintf(`SELECT %s FROM sales WHERE tenant_id = $1 AND %s = $2`, saleColumns, column)
	sale, err := scanSale(q.QueryRowContext(ctx, query, tenantID, value))
	if err != nil {
		return nil, err
	}
	if err := hydrateSale(ctx, q, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

func hydrateSale(ctx context.Context, q querier, sale *domain.Sale) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, item_id, name, sku, COALESCE(batch,''), quantity, unit_price, discount_percent,
			line_total, returned_quantity, prescription_required
		FROM sale_items
		WHERE tenant_id = $1 AND sale_id = $2
		ORDER BY position ASC
	`, sale.TenantID, sale.ID)
	if err != nil {
		return err
	}
	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.ItemID, &item.Name, &item.SKU, &item.Batch, &item.Quantity,
			&item.UnitPrice, &item.DiscountPercent, &item.LineTotal, &item.ReturnedQuantity, &item.PrescriptionRequired); err != nil {
			_ = rows.Close()
			return err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()
	sale.Items = items

	rows, err = q.QueryContext(ctx, `
		SELECT method, amount, COALESCE(card_last4,''), COALESCE(authorization_code,''),
			COALESCE(insurance_provider,''), COALESCE(insurance_claim_number,''), COALESCE(credit_note_id,'')
		FROM sale_payments
		WHERE tenant_id = $1 AND sale_id = $2
		ORDER BY position ASC
	`, sale.TenantID, sale.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 2)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.Method, &p.Amount, &p.CardLast4, &p.AuthorizationCode,
			&p.InsuranceProvider, &p.InsuranceClaimNumber, &p.CreditNoteID); err != nil {
			return err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sale.Payments = payments
	return nil
}

func (s *Store) ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM sales
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, saleColumns), tenantID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range sales {
		if err := hydrateSale(ctx, s.db, &sales[i]); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.TenantID == "" || sale.IdempotencyKey == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	if existing, err := s.FindSaleByIdempotency(ctx, sale.TenantID, sale.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	needed := map[string]int{}
	for _, line := range sale.Items {
		if line.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		needed[line.ItemID] += line.Quantity
	}
	itemIDs := make([]string, 0, len(needed))
	for id := range needed {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock
		FROM inventory_items
		WHERE tenant_id = $1 AND active = true AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, sale.TenantID, itemIDs)
	if err != nil {
		return nil, err
	}
	stockMap := make(map[string]int, len(itemIDs))
	for stockRows.Next() {
		var id string
		var stock int
		if err := stockRows.Scan(&id, &stock); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[id] = stock
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	for _, id := range itemIDs {
		stock, exists := stockMap[id]
		if !exists {
			return nil, store.ErrNotFound
		}
		if stock < needed[id] {
			return nil, store.ErrInsufficientStock
		}
	}

	now := time.Now().UTC()
	if err := redeemCreditNotes(ctx, pgTx, sale.TenantID, sale.Payments, now); err != nil {
		return nil, err
	}

	for _, id := range itemIDs {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE inventory_items
			SET stock = stock - $3, updated_at = now()
			WHERE tenant_id = $1 AND id = $2
		`, sale.TenantID, id, needed[id])
		if err != nil {
			return nil, err
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}
	if sale.SaleNumber, err = nextNumber(ctx, pgTx, sale.TenantID, store.PrefixSale, sale.CreatedAt); err != nil {
		return nil, err
	}
	if sale.InvoiceNumber, err = nextNumber(ctx, pgTx, sale.TenantID, store.PrefixInvoice, sale.CreatedAt); err != nil {
		return nil, err
	}

	var discountType, discountAmount any
	if sale.OrderDiscount != nil {
		discountType = string(sale.OrderDiscount.Type)
		discountAmount = sale.OrderDiscount.Amount
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			tenant_id, id, sale_number, invoice_number, sale_type, customer_name, customer_phone,
			order_discount_type, order_discount_amount, subtotal, discount_amount, tax, total,
			amount_paid, change_given, payment_status, status, notes, idempotency_key, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, sale.TenantID, sale.ID, sale.SaleNumber, sale.InvoiceNumber, sale.SaleType,
		nullIfEmpty(sale.Customer.Name), nullIfEmpty(sale.Customer.Phone),
		discountType, discountAmount, sale.Subtotal, sale.DiscountAmount, sale.Tax, sale.Total,
		sale.AmountPaid, sale.ChangeGiven, sale.PaymentStatus, sale.Status, nullIfEmpty(sale.Notes),
		sale.IdempotencyKey, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			_ = pgTx.Rollback()
			existing, lookupErr := s.FindSaleByIdempotency(ctx, sale.TenantID, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		if item.ID == "" {
			item.ID = xid.New("sli")
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (
				tenant_id, id, sale_id, position, item_id, name, sku, batch, quantity,
				unit_price, discount_percent, line_total, returned_quantity, prescription_required
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, sale.TenantID, item.ID, sale.ID, i, item.ItemID, item.Name, item.SKU, nullIfEmpty(item.Batch),
			item.Quantity, item.UnitPrice, item.DiscountPercent, item.LineTotal, item.ReturnedQuantity, item.PrescriptionRequired)
		if err != nil {
			return nil, err
		}
	}

	for i, p := range sale.Payments {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_payments (
				tenant_id, sale_id, position, method, amount, card_last4, authorization_code,
				insurance_provider, insurance_claim_number, credit_note_id
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, sale.TenantID, sale.ID, i, p.Method, p.Amount, nullIfEmpty(p.CardLast4), nullIfEmpty(p.AuthorizationCode),
			nullIfEmpty(p.InsuranceProvider), nullIfEmpty(p.InsuranceClaimNumber), nullIfEmpty(p.CreditNoteID))
		if err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

// redeemCreditNotes locks every credit note tendered in payments and draws
// the tendered amount from it.
func redeemCreditNotes(ctx context.Context, tx *sql.Tx, tenantID string, payments []domain.Payment, now time.Time) error {
	redemptions := map[string]decimal.Decimal{}
	for _, p := range payments {
		if p.Method != domain.PaymentCreditNote {
			continue
		}
		redemptions[p.CreditNoteID] = redemptions[p.CreditNoteID].Add(p.Amount)
	}
	if len(redemptions) == 0 {
		return nil
	}

	noteIDs := make([]string, 0, len(redemptions))
	for id := range redemptions {
		noteIDs = append(noteIDs, id)
	}
	notes, err := lockCreditNotes(ctx, tx, tenantID, noteIDs)
	if err != nil {
		return err
	}
	for id, amount := range redemptions {
		note, ok := notes[id]
		if !ok || note.EffectiveStatus(now) != domain.CreditNoteActive || note.RemainingAmount.LessThan(amount) {
			return store.ErrCreditNoteUnavailable
		}
		note.UsedAmount = note.UsedAmount.Add(amount)
		note.RemainingAmount = note.OriginalAmount.Sub(note.UsedAmount)
		if !note.RemainingAmount.IsPositive() {
			note.RemainingAmount = decimal.Zero
			note.Status = domain.CreditNoteExhausted
		}
		if err := updateCreditNoteBalance(ctx, tx, note); err != nil {
			return err
		}
	}
	return nil
}

func lockCreditNotes(ctx context.Context, tx *sql.Tx, tenantID string, ids []string) (map[string]*domain.CreditNote, error) {
	sort.Strings(ids)
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM credit_notes
		WHERE tenant_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, creditNoteColumns), tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make(map[string]*domain.CreditNote, len(ids))
	for rows.Next() {
		note, err := scanCreditNote(rows)
		if err != nil {
			return nil, err
		}
		notes[note.ID] = note
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notes, nil
}

func updateCreditNoteBalance(ctx context.Context, tx *sql.Tx, note *domain.CreditNote) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE credit_notes
		SET used_amount = $3, remaining_amount = $4, status = $5
		WHERE tenant_id = $1 AND id = $2
	`, note.TenantID, note.ID, note.UsedAmount, note.RemainingAmount, note.Status)
	return err
}

func (s *Store) VoidSale(ctx context.Context, tenantID string, id string, reason string, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	sale, err := scanSale(pgTx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sales WHERE tenant_id = $1 AND id = $2 FOR UPDATE
	`, saleColumns), tenantID, id))
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleStatusCompleted {
		return nil, store.ErrInvalidState
	}
	if err := hydrateSale(ctx, pgTx, sale); err != nil {
		return nil, err
	}
	for _, item := range sale.Items {
		if item.ReturnedQuantity > 0 {
			return nil, store.ErrInvalidState
		}
	}

	for _, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE inventory_items
			SET stock = stock + $3, updated_at = now()
			WHERE tenant_id = $1 AND id = $2
		`, tenantID, item.ItemID, item.Quantity)
		if err != nil {
			return nil, err
		}
	}

	reinstated := map[string]decimal.Decimal{}
	for _, p := range sale.Payments {
		if p.Method == domain.PaymentCreditNote && p.CreditNoteID != "" {
			reinstated[p.CreditNoteID] = reinstated[p.CreditNoteID].Add(p.Amount)
		}
	}
	if len(reinstated) > 0 {
		ids := make([]string, 0, len(reinstated))
		for noteID := range reinstated {
			ids = append(ids, noteID)
		}
		notes, err := lockCreditNotes(ctx, pgTx, tenantID, ids)
		if err != nil {
			return nil, err
		}
		for noteID, amount := range reinstated {
			note, ok := notes[noteID]
			if !ok {
				continue
			}
			note.UsedAmount = domain.MaxZero(note.UsedAmount.Sub(amount))
			note.RemainingAmount = note.OriginalAmount.Sub(note.UsedAmount)
			if note.Status == domain.CreditNoteExhausted && note.RemainingAmount.IsPositive() {
				note.Status = domain.CreditNoteActive
			}
			if err := updateCreditNoteBalance(ctx, pgTx, note); err != nil {
				return nil, err
			}
		}
	}

	at = at.UTC()
	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $3, payment_status = $4, void_reason = $5, voided_at = $6
		WHERE tenant_id = $1 AND id = $2 AND status = $7
	`, tenantID, id, domain.SaleStatusVoided, domain.PaymentStatusReversed, reason, at, domain.SaleStatusCompleted)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	sale.Status = domain.SaleStatusVoided
	sale.PaymentStatus = domain.PaymentStatusReversed
	sale.VoidReason = reason
	sale.VoidedAt = &at
	return sale, nil
}

const returnColumns = `
	id, tenant_id, return_number, type, sale_id, invoice_number,
	COALESCE(customer_name,''), COALESCE(customer_phone,''), reason, COALESCE(reason_details,''),
	settlement_type, restocking_fee_percent, total_amount, restocking_fee, net_refund, status,
	COALESCE(internal_notes,''), COALESCE(decision_note,''), COALESCE(decided_by,''), decided_at,
	COALESCE(credit_note_id,''), created_by, created_at`

func scanReturn(row rowScanner) (*domain.Return, error) {
	var ret domain.Return
	var decidedAt sql.NullTime
	err := row.Scan(
		&ret.ID,
		&ret.TenantID,
		&ret.Number,
		&ret.Type,
		&ret.SaleID,
		&ret.InvoiceNumber,
		&ret.Customer.Name,
		&ret.Customer.Phone,
		&ret.Reason,
		&ret.ReasonDetails,
		&ret.SettlementType,
		&ret.RestockingFeePercent,
		&ret.TotalAmount,
		&ret.RestockingFee,
		&ret.NetRefund,
		&ret.Status,
		&ret.InternalNotes,
		&ret.DecisionNote,
		&ret.DecidedBy,
		&decidedAt,
		&ret.CreditNoteID,
		&ret.CreatedBy,
		&ret.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		ret.DecidedAt = &at
	}
	ret.CreatedAt = ret.CreatedAt.UTC()
	return &ret, nil
}

func hydrateReturn(ctx context.Context, q querier, ret *domain.Return) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_item_id, item_id, name, sku, quantity, unit_price, line_total,
			condition, restockable, disposition
		FROM return_items
		WHERE tenant_id = $1 AND return_id = $2
		ORDER BY position ASC
	`, ret.TenantID, ret.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	lines := make([]domain.ReturnLine, 0, 8)
	for rows.Next() {
		var line domain.ReturnLine
		if err := rows.Scan(&line.ID, &line.SaleItemID, &line.ItemID, &line.Name, &line.SKU, &line.Quantity,
			&line.UnitPrice, &line.LineTotal, &line.Condition, &line.Restockable, &line.Disposition); err != nil {
			return err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	ret.Items = lines
	return nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return, settlement *store.ReturnSettlement) (*domain.Return, *domain.CreditNote, error) {
	if ret.TenantID == "" || len(ret.Items) == 0 {
		return nil, nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var saleStatus domain.SaleStatus
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM sales WHERE tenant_id = $1 AND id = $2 FOR UPDATE
	`, ret.TenantID, ret.SaleID).Scan(&saleStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if saleStatus != domain.SaleStatusCompleted {
		return nil, nil, store.ErrInvalidState
	}

	claimed := map[string]int{}
	for _, line := range ret.Items {
		if line.Quantity < 1 {
			return nil, nil, store.ErrInvalidInput
		}
		claimed[line.SaleItemID] += line.Quantity
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, quantity, returned_quantity
		FROM sale_items
		WHERE tenant_id = $1 AND sale_id = $2
		ORDER BY id
		FOR UPDATE
	`, ret.TenantID, ret.SaleID)
	if err != nil {
		return nil, nil, err
	}
	returnable := map[string]int{}
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.Quantity, &item.ReturnedQuantity); err != nil {
			_ = rows.Close()
			return nil, nil, err
		}
		returnable[item.ID] = item.Returnable()
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, err
	}
	_ = rows.Close()

	for saleItemID, qty := range claimed {
		left, ok := returnable[saleItemID]
		if !ok {
			return nil, nil, store.ErrNotFound
		}
		if qty > left {
			return nil, nil, store.ErrReturnQuantityExceeded
		}
	}
	for saleItemID, qty := range claimed {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE sale_items
			SET returned_quantity = returned_quantity + $3
			WHERE tenant_id = $1 AND id = $2
		`, ret.TenantID, saleItemID, qty)
		if err != nil {
			return nil, nil, err
		}
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}
	if ret.Number, err = nextNumber(ctx, pgTx, ret.TenantID, store.PrefixReturn, ret.CreatedAt); err != nil {
		return nil, nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO returns (
			tenant_id, id, return_number, type, sale_id, invoice_number, customer_name, customer_phone,
			reason, reason_details, settlement_type, restocking_fee_percent, total_amount, restocking_fee,
			net_refund, status, internal_notes, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, ret.TenantID, ret.ID, ret.Number, ret.Type, ret.SaleID, ret.InvoiceNumber,
		nullIfEmpty(ret.Customer.Name), nullIfEmpty(ret.Customer.Phone), ret.Reason, nullIfEmpty(ret.ReasonDetails),
		ret.SettlementType, ret.RestockingFeePercent, ret.TotalAmount, ret.RestockingFee, ret.NetRefund,
		ret.Status, nullIfEmpty(ret.InternalNotes), ret.CreatedBy, ret.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	for i := range ret.Items {
		line := &ret.Items[i]
		if line.ID == "" {
			line.ID = xid.New("rtl")
		}
		if line.Disposition == "" {
			line.Disposition = domain.DispositionPending
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO return_items (
				tenant_id, id, return_id, position, sale_item_id, item_id, name, sku, quantity,
				unit_price, line_total, condition, restockable, disposition
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, ret.TenantID, line.ID, ret.ID, i, line.SaleItemID, line.ItemID, line.Name, line.SKU, line.Quantity,
			line.UnitPrice, line.LineTotal, line.Condition, line.Restockable, line.Disposition)
		if err != nil {
			return nil, nil, err
		}
	}

	note, err := applySettlement(ctx, pgTx, &ret, settlement)
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return &ret, note, nil
}

// applySettlement restocks, records line dispositions and issues the credit
// note for a return row that already exists inside tx.
func applySettlement(ctx context.Context, tx *sql.Tx, ret *domain.Return, settlement *store.ReturnSettlement) (*domain.CreditNote, error) {
	if settlement == nil {
		return nil, nil
	}

	for _, movement := range settlement.Restock {
		_, err := tx.ExecContext(ctx, `
			UPDATE inventory_items
			SET stock = stock + $3, updated_at = now()
			WHERE tenant_id = $1 AND id = $2
		`, ret.TenantID, movement.ItemID, movement.Quantity)
		if err != nil {
			return nil, err
		}
	}

	for i := range ret.Items {
		line := &ret.Items[i]
		disposition, ok := settlement.Dispositions[line.ID]
		if !ok {
			disposition, ok = settlement.Dispositions[line.SaleItemID]
		}
		if !ok {
			continue
		}
		line.Disposition = disposition
		_, err := tx.ExecContext(ctx, `
			UPDATE return_items SET disposition = $3 WHERE tenant_id = $1 AND id = $2
		`, ret.TenantID, line.ID, disposition)
		if err != nil {
			return nil, err
		}
	}

	if settlement.CreditNote == nil {
		return nil, nil
	}

	note := *settlement.CreditNote
	note.TenantID = ret.TenantID
	note.ReturnID = ret.ID
	if note.ID == "" {
		note.ID = xid.New("cn")
	}
	if note.IssuedAt.IsZero() {
		note.IssuedAt = time.Now().UTC()
	}
	var err error
	if note.Number, err = nextNumber(ctx, tx, ret.TenantID, store.PrefixCreditNote, note.IssuedAt); err != nil {
		return nil, err
	}

	var expiresAt any
	if !note.ExpiresAt.IsZero() {
		expiresAt = note.ExpiresAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_notes (
			tenant_id, id, credit_note_number, type, return_id, invoice_number, recipient_name, recipient_phone,
			original_amount, used_amount, remaining_amount, status, issued_at, expires_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, note.TenantID, note.ID, note.Number, note.Type, note.ReturnID, note.InvoiceNumber,
		nullIfEmpty(note.Recipient.Name), nullIfEmpty(note.Recipient.Phone),
		note.OriginalAmount, note.UsedAmount, note.RemainingAmount, note.Status, note.IssuedAt, expiresAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE returns SET credit_note_id = $3 WHERE tenant_id = $1 AND id = $2
	`, ret.TenantID, ret.ID, note.ID)
	if err != nil {
		return nil, err
	}
	ret.CreditNoteID = note.ID
	return &note, nil
}

func (s *Store) FindReturnByID(ctx context.Context, tenantID string, id string) (*domain.Return, error) {
	ret, err := scanReturn(s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM returns WHERE tenant_id = $1 AND id = $2
	`, returnColumns), tenantID, id))
	if err != nil {
		return nil, err
	}
	if err := hydrateReturn(ctx, s.db, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) ListReturns(ctx context.Context, tenantID string, limit int) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM returns
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, returnColumns), tenantID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	returns := make([]domain.Return, 0, 32)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		returns = append(returns, *ret)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range returns {
		if err := hydrateReturn(ctx, s.db, &returns[i]); err != nil {
			return nil, err
		}
	}
	return returns, nil
}

func (s *Store) DecideReturn(ctx context.Context, tenantID string, id string, decision store.ReturnDecision) (*domain.Return, *domain.CreditNote, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ret, err := scanReturn(pgTx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM returns WHERE tenant_id = $1 AND id = $2 FOR UPDATE
	`, returnColumns), tenantID, id))
	if err != nil {
		return nil, nil, err
	}
	if ret.Status != domain.ReturnStatusPendingApproval {
		return nil, nil, store.ErrInvalidState
	}
	if err := hydrateReturn(ctx, pgTx, ret); err != nil {
		return nil, nil, err
	}

	if decision.ReleaseReserved {
		for _, line := range ret.Items {
			_, err := pgTx.ExecContext(ctx, `
				UPDATE sale_items
				SET returned_quantity = GREATEST(returned_quantity - $3, 0)
				WHERE tenant_id = $1 AND id = $2
			`, tenantID, line.SaleItemID, line.Quantity)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	decidedAt := decision.DecidedAt.UTC()
	_, err = pgTx.ExecContext(ctx, `
		UPDATE returns
		SET status = $3, decision_note = $4, decided_by = $5, decided_at = $6
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, decision.Status, nullIfEmpty(decision.DecisionNote), nullIfEmpty(decision.DecidedBy), decidedAt)
	if err != nil {
		return nil, nil, err
	}
	ret.Status = decision.Status
	ret.DecisionNote = decision.DecisionNote
	ret.DecidedBy = decision.DecidedBy
	ret.DecidedAt = &decidedAt

	note, err := applySettlement(ctx, pgTx, ret, decision.Settlement)
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return ret, note, nil
}

const creditNoteColumns = `
	id, tenant_id, credit_note_number, type, return_id, invoice_number,
	COALESCE(recipient_name,''), COALESCE(recipient_phone,''),
	original_amount, used_amount, remaining_amount, status, issued_at, expires_at`

func scanCreditNote(row rowScanner) (*domain.CreditNote, error) {
	var note domain.CreditNote
	var expiresAt sql.NullTime
	err := row.Scan(&note.ID, &note.TenantID, &note.Number, &note.Type, &note.ReturnID, &note.InvoiceNumber,
		&note.Recipient.Name, &note.Recipient.Phone, &note.OriginalAmount, &note.UsedAmount,
		&note.RemainingAmount, &note.Status, &note.IssuedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	note.IssuedAt = note.IssuedAt.UTC()
	if expiresAt.Valid {
		note.ExpiresAt = expiresAt.Time.UTC()
	}
	return &note, nil
}

func (s *Store) FindCreditNoteByID(ctx context.Context, tenantID string, id string) (*domain.CreditNote, error) {
	return scanCreditNote(s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM credit_notes WHERE tenant_id = $1 AND id = $2
	`, creditNoteColumns), tenantID, id))
}

func (s *Store) ListCreditNotes(ctx context.Context, tenantID string, limit int) ([]domain.CreditNote, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM credit_notes
		WHERE tenant_id = $1
		ORDER BY issued_at DESC, id DESC
		LIMIT $2
	`, creditNoteColumns), tenantID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notes := make([]domain.CreditNote, 0, 32)
	for rows.Next() {
		note, err := scanCreditNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *note)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notes, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TenantID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType,
		entry.EntityID, nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, actor_username, actor_role, action, entity_type, entity_id, COALESCE(detail,''), created_at
		FROM audit_logs
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, tenantID, from, to, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 64)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.TenantID == "" || user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (tenant_id, username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,true,$5,now())
	`, user.TenantID, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, username, password, role, active, created_at
		FROM app_users
		ORDER BY tenant_id ASC, username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.TenantID, &user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, tenantID string, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $3, updated_at = now()
		WHERE tenant_id = $1 AND username = $2
	`, tenantID, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// nextNumber bumps the per-tenant, per-day counter for prefix inside tx.
func nextNumber(ctx context.Context, tx *sql.Tx, tenantID string, prefix string, at time.Time) (string, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO document_counters (tenant_id, prefix, day, seq)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (tenant_id, prefix, day)
		DO UPDATE SET seq = document_counters.seq + 1
		RETURNING seq
	`, tenantID, prefix, dateUTC(at)).Scan(&seq)
	if err != nil {
		return "", err
	}
	return store.DocumentNumber(prefix, at, seq), nil
}

func uniqueStrings(values []string) []string {
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, seen := set[v]; seen {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// limitOrAll maps a non-positive limit to no limit; LIMIT NULL returns every row.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func positiveOr(value int, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
