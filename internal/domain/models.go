package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleType string

const (
	SaleTypeWalkIn       SaleType = "walk_in"
	SaleTypePrescription SaleType = "prescription"
)

func (t SaleType) Valid() bool {
	return t == SaleTypeWalkIn || t == SaleTypePrescription
}

type PaymentMethod string

const (
	PaymentCash       PaymentMethod = "cash"
	PaymentCard       PaymentMethod = "card"
	PaymentInsurance  PaymentMethod = "insurance"
	PaymentCreditNote PaymentMethod = "credit_note"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentInsurance, PaymentCreditNote:
		return true
	}
	return false
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type SaleStatus string

const (
	SaleStatusPending   SaleStatus = "pending"
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusVoided    SaleStatus = "voided"
)

type PaymentStatus string

const (
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusReversed PaymentStatus = "reversed"
)

type ItemCondition string

const (
	ConditionSealed  ItemCondition = "sealed"
	ConditionOpened  ItemCondition = "opened"
	ConditionDamaged ItemCondition = "damaged"
	ConditionExpired ItemCondition = "expired"
)

func (c ItemCondition) Valid() bool {
	switch c {
	case ConditionSealed, ConditionOpened, ConditionDamaged, ConditionExpired:
		return true
	}
	return false
}

type ReturnReason string

const (
	ReasonDefective          ReturnReason = "defective"
	ReasonWrongItem          ReturnReason = "wrong_item"
	ReasonExpired            ReturnReason = "expired"
	ReasonAllergicReaction   ReturnReason = "allergic_reaction"
	ReasonPrescriptionChange ReturnReason = "prescription_change"
	ReasonOvercharge         ReturnReason = "overcharge"
	ReasonOther              ReturnReason = "other"
)

func (r ReturnReason) Valid() bool {
	switch r {
	case ReasonDefective, ReasonWrongItem, ReasonExpired, ReasonAllergicReaction,
		ReasonPrescriptionChange, ReasonOvercharge, ReasonOther:
		return true
	}
	return false
}

type SettlementType string

const (
	SettlementRefund     SettlementType = "refund"
	SettlementCreditNote SettlementType = "credit_note"
	SettlementExchange   SettlementType = "exchange"
)

func (s SettlementType) Valid() bool {
	return s == SettlementRefund || s == SettlementCreditNote || s == SettlementExchange
}

type ReturnStatus string

const (
	ReturnStatusPending         ReturnStatus = "pending"
	ReturnStatusPendingApproval ReturnStatus = "pending_approval"
	ReturnStatusApproved        ReturnStatus = "approved"
	ReturnStatusRejected        ReturnStatus = "rejected"
	ReturnStatusCompleted       ReturnStatus = "completed"
)

type ReturnDecision string

const (
	DecisionApprove ReturnDecision = "approve"
	DecisionReject  ReturnDecision = "reject"
)

type Disposition string

const (
	DispositionPending   Disposition = "pending"
	DispositionRestocked Disposition = "restocked"
	DispositionDiscarded Disposition = "discarded"
)

type CreditNoteStatus string

const (
	CreditNoteActive    CreditNoteStatus = "active"
	CreditNoteExhausted CreditNoteStatus = "exhausted"
	CreditNoteExpired   CreditNoteStatus = "expired"
)

const (
	ReturnTypeSale       = "sale_return"
	CreditNoteTypeReturn = "return_credit"
)

// RequestContext carries the caller's tenant and bearer token to every
// operation that reaches the sales service.
type RequestContext struct {
	TenantID  string
	AuthToken string
}

type InventoryItem struct {
	ID                   string          `json:"id"`
	TenantID             string          `json:"tenant_id"`
	Name                 string          `json:"name"`
	SKU                  string          `json:"sku"`
	Price                decimal.Decimal `json:"price"`
	Stock                int             `json:"stock"`
	PrescriptionRequired bool            `json:"prescription_required"`
	BatchNumber          string          `json:"batch_number,omitempty"`
	Active               bool            `json:"active"`
}

type Customer struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type OrderDiscount struct {
	Type   DiscountType    `json:"type"`
	Amount decimal.Decimal `json:"amount"`
}

type PaymentDetails struct {
	CardLast4            string `json:"card_last4,omitempty"`
	AuthorizationCode    string `json:"authorization_code,omitempty"`
	InsuranceProvider    string `json:"insurance_provider,omitempty"`
	InsuranceClaimNumber string `json:"insurance_claim_number,omitempty"`
	CreditNoteID         string `json:"credit_note_id,omitempty"`
}

type Payment struct {
	Method PaymentMethod   `json:"method"`
	Amount decimal.Decimal `json:"amount"`
	PaymentDetails
}

type SaleItem struct {
	ID                   string          `json:"id"`
	ItemID               string          `json:"item_id"`
	Name                 string          `json:"name"`
	SKU                  string          `json:"sku"`
	Batch                string          `json:"batch,omitempty"`
	Quantity             int             `json:"quantity"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	DiscountPercent      decimal.Decimal `json:"discount_percent"`
	LineTotal            decimal.Decimal `json:"line_total"`
	ReturnedQuantity     int             `json:"returned_quantity"`
	PrescriptionRequired bool            `json:"prescription_required"`
}

// Returnable is the quantity of this line not yet claimed by a return.
func (i SaleItem) Returnable() int {
	remaining := i.Quantity - i.ReturnedQuantity
	if remaining < 0 {
		return 0
	}
	return remaining
}

type Sale struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	SaleNumber     string          `json:"sale_number"`
	InvoiceNumber  string          `json:"invoice_number"`
	SaleType       SaleType        `json:"sale_type"`
	Customer       Customer        `json:"customer"`
	Items          []SaleItem      `json:"items"`
	Payments       []Payment       `json:"payments"`
	OrderDiscount  *OrderDiscount  `json:"order_discount,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	ChangeGiven    decimal.Decimal `json:"change_given"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	Status         SaleStatus      `json:"status"`
	Notes          string          `json:"notes,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	VoidReason     string          `json:"void_reason,omitempty"`
	VoidedAt       *time.Time      `json:"voided_at,omitempty"`
}

func (s Sale) ItemByID(id string) (SaleItem, bool) {
	for _, item := range s.Items {
		if item.ID == id {
			return item, true
		}
	}
	return SaleItem{}, false
}

type SaleLineRequest struct {
	ItemID          string          `json:"item_id" validate:"required"`
	Quantity        int             `json:"quantity" validate:"required,min=1"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type CreateSaleRequest struct {
	SaleType       SaleType          `json:"sale_type" validate:"required,oneof=walk_in prescription"`
	CustomerName   string            `json:"customer_name,omitempty" validate:"max=120"`
	CustomerPhone  string            `json:"customer_phone,omitempty" validate:"max=40"`
	Items          []SaleLineRequest `json:"items" validate:"required,min=1,dive"`
	Payments       []Payment         `json:"payments" validate:"required,min=1"`
	OrderDiscount  *OrderDiscount    `json:"order_discount,omitempty"`
	Notes          string            `json:"notes,omitempty" validate:"max=500"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" validate:"max=120"`
}

type VoidSaleRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type ReturnLine struct {
	ID          string          `json:"id"`
	SaleItemID  string          `json:"sale_item_id"`
	ItemID      string          `json:"item_id"`
	Name        string          `json:"name"`
	SKU         string          `json:"sku"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
	Condition   ItemCondition   `json:"condition"`
	Restockable bool            `json:"restockable"`
	Disposition Disposition     `json:"disposition"`
}

type Return struct {
	ID                   string          `json:"id"`
	TenantID             string          `json:"tenant_id"`
	Number               string          `json:"return_number"`
	Type                 string          `json:"type"`
	SaleID               string          `json:"sale_id"`
	InvoiceNumber        string          `json:"invoice_number"`
	Customer             Customer        `json:"customer"`
	Reason               ReturnReason    `json:"reason"`
	ReasonDetails        string          `json:"reason_details,omitempty"`
	Items                []ReturnLine    `json:"items"`
	SettlementType       SettlementType  `json:"settlement_type"`
	RestockingFeePercent decimal.Decimal `json:"restocking_fee_percent"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	RestockingFee        decimal.Decimal `json:"restocking_fee"`
	NetRefund            decimal.Decimal `json:"net_refund"`
	Status               ReturnStatus    `json:"status"`
	InternalNotes        string          `json:"internal_notes,omitempty"`
	DecisionNote         string          `json:"decision_note,omitempty"`
	DecidedBy            string          `json:"decided_by,omitempty"`
	DecidedAt            *time.Time      `json:"decided_at,omitempty"`
	CreditNoteID         string          `json:"credit_note_id,omitempty"`
	CreatedBy            string          `json:"created_by"`
	CreatedAt            time.Time       `json:"created_at"`
}

type ReturnLineRequest struct {
	SaleItemID  string        `json:"sale_item_id" validate:"required"`
	Quantity    int           `json:"quantity" validate:"required,min=1"`
	Condition   ItemCondition `json:"condition" validate:"required,oneof=sealed opened damaged expired"`
	Restockable bool          `json:"restockable"`
}

type CreateReturnRequest struct {
	SaleID               string              `json:"sale_id" validate:"required"`
	Items                []ReturnLineRequest `json:"items" validate:"required,min=1,dive"`
	Reason               ReturnReason        `json:"reason" validate:"required"`
	ReasonDetails        string              `json:"reason_details,omitempty" validate:"max=500"`
	SettlementType       SettlementType      `json:"settlement_type,omitempty"`
	RestockingFeePercent decimal.Decimal     `json:"restocking_fee_percent"`
	InternalNotes        string              `json:"internal_notes,omitempty" validate:"max=500"`
}

type ReturnDecisionRequest struct {
	Decision ReturnDecision `json:"decision" validate:"required,oneof=approve reject"`
	Notes    string         `json:"notes,omitempty" validate:"max=500"`
}

type CreditNote struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Number          string           `json:"credit_note_number"`
	Type            string           `json:"type"`
	ReturnID        string           `json:"return_id"`
	InvoiceNumber   string           `json:"invoice_number"`
	Recipient       Customer         `json:"recipient"`
	OriginalAmount  decimal.Decimal  `json:"original_amount"`
	UsedAmount      decimal.Decimal  `json:"used_amount"`
	RemainingAmount decimal.Decimal  `json:"remaining_amount"`
	Status          CreditNoteStatus `json:"status"`
	IssuedAt        time.Time        `json:"issued_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
}

// EffectiveStatus reports expired for an active note past its expiry.
func (c CreditNote) EffectiveStatus(now time.Time) CreditNoteStatus {
	if c.Status == CreditNoteActive && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return CreditNoteExpired
	}
	return c.Status
}

type LoginRequest struct {
	TenantID string `json:"tenant_id"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TenantID    string `json:"tenant_id"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	TenantID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	TenantID  string
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type EventType string

const (
	EventSaleCreated      EventType = "sale.created"
	EventSaleVoided       EventType = "sale.voided"
	EventReturnCreated    EventType = "return.created"
	EventReturnApproved   EventType = "return.approved"
	EventReturnRejected   EventType = "return.rejected"
	EventCreditNoteIssued EventType = "credit_note.issued"
	EventReturnCompleted  EventType = "return.completed"
)

type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	TenantID string    `json:"tenant_id"`
	EntityID string    `json:"entity_id"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}
