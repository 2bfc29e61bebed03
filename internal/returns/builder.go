package returns

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

const (
	MsgNoSaleSelected     = "Select a sale first"
	MsgSaleVoided         = "Voided sales cannot be returned"
	MsgNoItems            = "Add at least one item to return"
	MsgReasonRequired     = "Select a return reason"
	MsgAlreadyReturned    = "Item already fully returned"
	MsgAlreadyAdded       = "Item already added"
	MsgItemNotInSale      = "Item is not part of the selected sale"
	MsgLineNotStaged      = "Item is not staged for return"
	MsgQuantityOutOfRange = "Return quantity exceeds returnable quantity"
	MsgInvalidCondition   = "Unsupported item condition"
	MsgInvalidSettlement  = "Unsupported settlement type"
	MsgInFlight           = "Submission already in progress"
)

type SaleFetcher interface {
	GetSale(ctx context.Context, rc domain.RequestContext, saleID string) (*domain.Sale, error)
}

type ReturnCreator interface {
	CreateReturn(ctx context.Context, rc domain.RequestContext, req domain.CreateReturnRequest) (*domain.Return, error)
}

type ReturnDecider interface {
	DecideReturn(ctx context.Context, rc domain.RequestContext, returnID string, req domain.ReturnDecisionRequest) (*domain.Return, error)
}

// StagedLine is one sale line being returned. ID is the sale line id.
type StagedLine struct {
	ID            string               `json:"id"`
	ItemID        string               `json:"item_id"`
	Name          string               `json:"name"`
	SKU           string               `json:"sku"`
	Quantity      int                  `json:"quantity"`
	MaxReturnable int                  `json:"max_returnable"`
	UnitPrice     decimal.Decimal      `json:"unit_price"`
	Condition     domain.ItemCondition `json:"condition"`
	Restockable   bool                 `json:"restockable"`
}

func (l StagedLine) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineUpdate carries the fields to change; nil fields are left alone.
// Condition is applied before Restockable so an explicit override wins.
type LineUpdate struct {
	Quantity    *int
	Condition   *domain.ItemCondition
	Restockable *bool
}

// Builder holds the in-progress return for one terminal.
type Builder struct {
	mu            sync.RWMutex
	fetcher       SaleFetcher
	sale          *domain.Sale
	lines         []StagedLine
	reason        domain.ReturnReason
	reasonDetails string
	settlement    domain.SettlementType
	feePercent    decimal.Decimal
	internalNotes string
}

func NewBuilder(fetcher SaleFetcher) *Builder {
	return &Builder{fetcher: fetcher, settlement: domain.SettlementCreditNote}
}

// SelectSale loads the sale and clears any staged lines.
func (b *Builder) SelectSale(ctx context.Context, rc domain.RequestContext, saleID string) (*domain.Sale, error) {
	sale, err := b.fetcher.GetSale(ctx, rc, strings.TrimSpace(saleID))
	if err != nil {
		return nil, err
	}
	if sale.Status == domain.SaleStatusVoided {
		return nil, apperr.New(apperr.CodeStateConflict, MsgSaleVoided)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sale = sale
	b.lines = nil
	return sale, nil
}

func (b *Builder) Sale() *domain.Sale {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sale
}

// AddReturnItem stages one unit of a sale line, sealed and restockable.
func (b *Builder) AddReturnItem(saleItemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sale == nil {
		return apperr.New(apperr.CodePrecondition, MsgNoSaleSelected)
	}
	item, ok := b.sale.ItemByID(saleItemID)
	if !ok {
		return apperr.New(apperr.CodePrecondition, MsgItemNotInSale)
	}
	maxReturnable := item.Returnable()
	if maxReturnable <= 0 {
		return apperr.New(apperr.CodePrecondition, MsgAlreadyReturned)
	}
	if b.indexOf(saleItemID) >= 0 {
		return apperr.New(apperr.CodePrecondition, MsgAlreadyAdded)
	}
	b.lines = append(b.lines, StagedLine{
		ID:            item.ID,
		ItemID:        item.ItemID,
		Name:          item.Name,
		SKU:           item.SKU,
		Quantity:      1,
		MaxReturnable: maxReturnable,
		UnitPrice:     item.UnitPrice,
		Condition:     domain.ConditionSealed,
		Restockable:   true,
	})
	return nil
}

// UpdateReturnItem applies update atomically; nothing changes on rejection.
func (b *Builder) UpdateReturnItem(lineID string, update LineUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.indexOf(lineID)
	if idx < 0 {
		return apperr.New(apperr.CodePrecondition, MsgLineNotStaged)
	}
	line := b.lines[idx]
	if update.Quantity != nil {
		if *update.Quantity < 1 || *update.Quantity > line.MaxReturnable {
			return apperr.New(apperr.CodeStockConflict, MsgQuantityOutOfRange)
		}
		line.Quantity = *update.Quantity
	}
	if update.Condition != nil {
		if !update.Condition.Valid() {
			return apperr.New(apperr.CodePrecondition, MsgInvalidCondition)
		}
		line.Condition = *update.Condition
		line.Restockable = DefaultRestockable(line.Condition)
	}
	if update.Restockable != nil {
		line.Restockable = *update.Restockable
	}
	b.lines[idx] = line
	return nil
}

func (b *Builder) RemoveReturnItem(lineID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx := b.indexOf(lineID); idx >= 0 {
		b.lines = slices.Delete(b.lines, idx, idx+1)
	}
}

func (b *Builder) Lines() []StagedLine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.lines)
}

func (b *Builder) Subtotal() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subtotal()
}

func (b *Builder) SetReason(reason domain.ReturnReason, details string) error {
	if !reason.Valid() {
		return apperr.New(apperr.CodePrecondition, MsgReasonRequired)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reason = reason
	b.reasonDetails = strings.TrimSpace(details)
	return nil
}

func (b *Builder) SetSettlementType(settlement domain.SettlementType) error {
	if !settlement.Valid() {
		return apperr.New(apperr.CodePrecondition, MsgInvalidSettlement)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settlement = settlement
	return nil
}

func (b *Builder) SettlementType() domain.SettlementType {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settlement
}

func (b *Builder) SetRestockingFeePercent(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(domain.Hundred) {
		return apperr.New(apperr.CodePrecondition, MsgFeeOutOfRange)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feePercent = pct
	return nil
}

func (b *Builder) SetInternalNotes(notes string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.internalNotes = strings.TrimSpace(notes)
}

// Settlement is the fee and net refund for the staged lines.
func (b *Builder) Settlement() Settlement {
	b.mu.RLock()
	defer b.mu.RUnlock()
	settlement, _ := Settle(b.subtotal(), b.feePercent)
	return settlement
}

func (b *Builder) CheckSubmittable() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.checkSubmittable()
}

// BuildRequest maps the staged return to the create-return body.
func (b *Builder) BuildRequest() (domain.CreateReturnRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkSubmittable(); err != nil {
		return domain.CreateReturnRequest{}, err
	}
	req := domain.CreateReturnRequest{
		SaleID:               b.sale.ID,
		Items:                make([]domain.ReturnLineRequest, 0, len(b.lines)),
		Reason:               b.reason,
		ReasonDetails:        b.reasonDetails,
		SettlementType:       b.settlement,
		RestockingFeePercent: b.feePercent,
		InternalNotes:        b.internalNotes,
	}
	for _, line := range b.lines {
		req.Items = append(req.Items, domain.ReturnLineRequest{
			SaleItemID:  line.ID,
			Quantity:    line.Quantity,
			Condition:   line.Condition,
			Restockable: line.Restockable,
		})
	}
	return req, nil
}

// Reset clears everything, including the selected sale.
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sale = nil
	b.lines = nil
	b.reason = ""
	b.reasonDetails = ""
	b.settlement = domain.SettlementCreditNote
	b.feePercent = decimal.Zero
	b.internalNotes = ""
}

func (b *Builder) checkSubmittable() error {
	if b.sale == nil {
		return apperr.New(apperr.CodePrecondition, MsgNoSaleSelected)
	}
	if len(b.lines) == 0 {
		return apperr.New(apperr.CodePrecondition, MsgNoItems)
	}
	if !b.reason.Valid() {
		return apperr.New(apperr.CodePrecondition, MsgReasonRequired)
	}
	return nil
}

func (b *Builder) subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range b.lines {
		sum = sum.Add(line.Total())
	}
	return sum
}

func (b *Builder) indexOf(lineID string) int {
	return slices.IndexFunc(b.lines, func(l StagedLine) bool { return l.ID == lineID })
}

// Submitter sends one return at a time and clears the builder on success.
type Submitter struct {
	client  ReturnCreator
	pending atomic.Bool
}

func NewSubmitter(client ReturnCreator) *Submitter {
	return &Submitter{client: client}
}

func (s *Submitter) Pending() bool {
	return s.pending.Load()
}

func (s *Submitter) Submit(ctx context.Context, rc domain.RequestContext, builder *Builder) (*domain.Return, error) {
	req, err := builder.BuildRequest()
	if err != nil {
		return nil, err
	}
	if !s.pending.CompareAndSwap(false, true) {
		return nil, apperr.New(apperr.CodePrecondition, MsgInFlight)
	}
	defer s.pending.Store(false)

	created, err := s.client.CreateReturn(ctx, rc, req)
	if err != nil {
		return nil, apperr.Submission(err)
	}
	builder.Reset()
	return created, nil
}

// Decider approves or rejects returns awaiting approval.
type Decider struct {
	client  ReturnDecider
	pending atomic.Bool
}

func NewDecider(client ReturnDecider) *Decider {
	return &Decider{client: client}
}

func (d *Decider) Decide(ctx context.Context, rc domain.RequestContext, ret domain.Return, decision domain.ReturnDecision, note string) (*domain.Return, error) {
	if _, err := Transition(ret.Status, decision); err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if decision == domain.DecisionReject && note == "" {
		return nil, apperr.New(apperr.CodePrecondition, MsgRejectNeedsNote)
	}
	if !d.pending.CompareAndSwap(false, true) {
		return nil, apperr.New(apperr.CodePrecondition, MsgInFlight)
	}
	defer d.pending.Store(false)

	updated, err := d.client.DecideReturn(ctx, rc, ret.ID, domain.ReturnDecisionRequest{Decision: decision, Notes: note})
	if err != nil {
		return nil, apperr.Submission(err)
	}
	return updated, nil
}
