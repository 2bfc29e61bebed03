package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmapos/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidState           = errors.New("invalid state transition")
	ErrReturnQuantityExceeded = errors.New("return quantity exceeds returnable quantity")
	ErrCreditNoteUnavailable  = errors.New("credit note unavailable")
	ErrInvalidInput           = errors.New("invalid input")
)

// StockMovement returns quantity units of an inventory item to stock.
type StockMovement struct {
	ItemID   string
	Quantity int
}

// ReturnSettlement is the side effect of a return reaching a settled status:
// restocked units, the disposition of every return line, and an optional
// credit note to issue.
type ReturnSettlement struct {
	Restock      []StockMovement
	Dispositions map[string]domain.Disposition
	CreditNote   *domain.CreditNote
}

// ReturnDecision moves a pending_approval return to approved or rejected.
// ReleaseReserved gives the reserved sale-line quantities back.
type ReturnDecision struct {
	Status          domain.ReturnStatus
	DecisionNote    string
	DecidedBy       string
	DecidedAt       time.Time
	Settlement      *ReturnSettlement
	ReleaseReserved bool
}

type Repository interface {
	ListItems(ctx context.Context, tenantID string) ([]domain.InventoryItem, error)
	GetItemsByIDs(ctx context.Context, tenantID string, ids []string) (map[string]domain.InventoryItem, error)

	FindSaleByID(ctx context.Context, tenantID string, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, tenantID string, key string) (*domain.Sale, error)
	ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error)
	// CreateSale decrements stock and redeems credit-note tenders atomically,
	// assigning sale and invoice numbers.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	// VoidSale restores stock and reinstates redeemed credit notes. Sales with
	// any returned quantity cannot be voided.
	VoidSale(ctx context.Context, tenantID string, id string, reason string, at time.Time) (*domain.Sale, error)

	// CreateReturn reserves the returned quantities on the sale lines and, when
	// settlement is non-nil, applies it in the same unit of work.
	CreateReturn(ctx context.Context, ret domain.Return, settlement *ReturnSettlement) (*domain.Return, *domain.CreditNote, error)
	FindReturnByID(ctx context.Context, tenantID string, id string) (*domain.Return, error)
	ListReturns(ctx context.Context, tenantID string, limit int) ([]domain.Return, error)
	DecideReturn(ctx context.Context, tenantID string, id string, decision ReturnDecision) (*domain.Return, *domain.CreditNote, error)

	FindCreditNoteByID(ctx context.Context, tenantID string, id string) (*domain.CreditNote, error)
	ListCreditNotes(ctx context.Context, tenantID string, limit int) ([]domain.CreditNote, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, tenantID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, tenantID string, username string, password string) error
}

// DocumentNumber formats a per-tenant, per-day sequence such as
// SAL-20260314-000042.
func DocumentNumber(prefix string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, day.UTC().Format("20060102"), seq)
}

const (
	PrefixSale       = "SAL"
	PrefixInvoice    = "INV"
	PrefixReturn     = "RET"
	PrefixCreditNote = "CN"
)
