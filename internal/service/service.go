package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cache"
	"pharmapos/internal/cart"
	"pharmapos/internal/catalog"
	"pharmapos/internal/domain"
	"pharmapos/internal/logger"
	"pharmapos/internal/metrics"
	"pharmapos/internal/notify"
	"pharmapos/internal/returns"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200

	MsgTenantRequired = "Tenant is required"
	MsgInvalidInput   = "Invalid input"
	MsgStateConflict  = "Operation not allowed in the current state"
	MsgCreditNoteUsed = "Credit note is not available for redemption"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// ApprovalThreshold is the net refund above which a return waits for a
	// manager decision. Zero sends every return with a refund to approval.
	ApprovalThreshold  decimal.Decimal
	CreditNoteValidity time.Duration
	Cache              *cache.Cache
	Hub                *notify.Hub
	Metrics            *metrics.Metrics
	Logger             *logger.Logger
	Now                func() time.Time
}

type Service struct {
	repo               store.Repository
	cache              *cache.Cache
	hub                *notify.Hub
	metrics            *metrics.Metrics
	log                *logger.Logger
	approvalThreshold  decimal.Decimal
	creditNoteValidity time.Duration
	now                func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		repo:               repo,
		cache:              opts.Cache,
		hub:                opts.Hub,
		metrics:            opts.Metrics,
		log:                opts.Logger,
		approvalThreshold:  domain.MaxZero(opts.ApprovalThreshold),
		creditNoteValidity: opts.CreditNoteValidity,
		now:                opts.Now,
	}
}

// SearchItems resolves a catalog query for the tenant. The active catalog is
// read through the cache.
func (s *Service) SearchItems(ctx context.Context, tenantID string, query string, saleType domain.SaleType, limit int) (catalog.Outcome, error) {
	if err := requireTenant(tenantID); err != nil {
		return catalog.Outcome{}, err
	}
	if saleType == "" {
		saleType = domain.SaleTypeWalkIn
	}
	if !saleType.Valid() {
		return catalog.Outcome{}, apperr.New(apperr.CodePrecondition, cart.MsgInvalidSaleType)
	}

	items, err := cache.ReadThrough(ctx, s.cache, cache.Key{Tenant: tenantID, Resource: cache.ResourceInventory},
		func(ctx context.Context) ([]domain.InventoryItem, error) {
			return s.repo.ListItems(ctx, tenantID)
		})
	if err != nil {
		return catalog.Outcome{}, mapStoreError(err, "Inventory")
	}
	return catalog.Search(items, query, saleType, limit), nil
}

func (s *Service) ListCreditNotes(ctx context.Context, tenantID string, limit int) ([]domain.CreditNote, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	notes, err := s.repo.ListCreditNotes(ctx, tenantID, clampLimit(limit))
	if err != nil {
		return nil, mapStoreError(err, "Credit note")
	}
	now := s.now()
	for i := range notes {
		notes[i].Status = notes[i].EffectiveStatus(now)
	}
	return notes, nil
}

// GetCreditNote reports an active note past its expiry as expired.
func (s *Service) GetCreditNote(ctx context.Context, tenantID string, id string) (*domain.CreditNote, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	note, err := s.repo.FindCreditNoteByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapStoreError(err, "Credit note")
	}
	note.Status = note.EffectiveStatus(s.now())
	return note, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, tenantID string, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, apperr.New(apperr.CodeValidation, "Date must be formatted YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	logs, err := s.repo.ListAuditLogs(ctx, tenantID, from, to, clampLimit(limit))
	if err != nil {
		return nil, mapStoreError(err, "Audit log")
	}
	return logs, nil
}

// mutated runs the side effects every successful mutation shares: audit
// trail, cache invalidation and event fan-out. Failures are logged, never
// returned.
func (s *Service) mutated(ctx context.Context, tenantID string, mutation cache.Mutation, refs cache.Refs, audit auditEntry, events ...domain.Event) {
	s.logAudit(ctx, tenantID, audit)

	if err := s.cache.Invalidate(ctx, tenantID, mutation, refs); err != nil {
		s.log.Error(s.log.WithField(ctx, "mutation", string(mutation)), "cache invalidation failed", err)
	}

	if s.hub == nil {
		return
	}
	for _, evt := range events {
		evt.TenantID = tenantID
		if evt.At.IsZero() {
			evt.At = s.now()
		}
		s.hub.Publish(evt)
	}
}

type auditEntry struct {
	action     string
	entityType string
	entityID   string
	detail     string
}

func (s *Service) logAudit(ctx context.Context, tenantID string, entry auditEntry) {
	actor := actorOrSystem(ctx)

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		TenantID:      tenantID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        entry.action,
		EntityType:    entry.entityType,
		EntityID:      entry.entityID,
		Detail:        entry.detail,
		CreatedAt:     s.now(),
	}); err != nil {
		ctx = s.log.WithFields(ctx, map[string]any{
			"action": entry.action,
			"entity": entry.entityType + "/" + entry.entityID,
		})
		s.log.Error(ctx, "failed to write audit log", err)
	}
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

// mapStoreError turns repository sentinels into typed errors. Errors that are
// already typed pass through.
func mapStoreError(err error, entity string) error {
	if err == nil {
		return nil
	}
	if apperr.As(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err, fmt.Sprintf("%s not found", entity))
	case errors.Is(err, store.ErrInsufficientStock):
		return apperr.Wrap(apperr.CodeStockConflict, err, cart.MsgInsufficientStock)
	case errors.Is(err, store.ErrReturnQuantityExceeded):
		return apperr.Wrap(apperr.CodeStockConflict, err, returns.MsgQuantityOutOfRange)
	case errors.Is(err, store.ErrInvalidState):
		return apperr.Wrap(apperr.CodeStateConflict, err, MsgStateConflict)
	case errors.Is(err, store.ErrCreditNoteUnavailable):
		return apperr.Wrap(apperr.CodePrecondition, err, MsgCreditNoteUsed)
	case errors.Is(err, store.ErrInvalidInput):
		return apperr.Wrap(apperr.CodeValidation, err, MsgInvalidInput)
	default:
		return apperr.Wrap(apperr.CodeInternal, err, "internal error")
	}
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.New(apperr.CodeUnauthorized, MsgTenantRequired)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
