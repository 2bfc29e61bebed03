package sale

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cart"
	"pharmapos/internal/domain"
)

type fakeClient struct {
	mu      sync.Mutex
	creates []domain.CreateSaleRequest
	voids   []string
	err     error
	release chan struct{}
	entered chan struct{}
}

func (f *fakeClient) CreateSale(_ context.Context, _ domain.RequestContext, req domain.CreateSaleRequest) (*domain.Sale, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Sale{ID: "sale_1", Status: domain.SaleStatusCompleted}, nil
}

func (f *fakeClient) VoidSale(_ context.Context, _ domain.RequestContext, saleID string, reason string) (*domain.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voids = append(f.voids, saleID+":"+reason)
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	return &domain.Sale{ID: saleID, Status: domain.SaleStatusVoided, VoidReason: reason, VoidedAt: &now}, nil
}

var rc = domain.RequestContext{TenantID: "demo-clinic", AuthToken: "token"}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func filledSession(t *testing.T, paid string) *cart.Session {
	t.Helper()
	s := cart.NewSession()
	require.NoError(t, s.AddToCart(domain.InventoryItem{ID: "itm-para", Name: "Paracetamol", SKU: "PARA", Price: dec("10.00"), Stock: 5}))
	require.NoError(t, s.UpdateCartItem("itm-para", cart.FieldQuantity, dec("2")))
	require.NoError(t, s.SetOrderDiscount(domain.OrderDiscount{Type: domain.DiscountPercentage, Amount: dec("10")}))
	idx, err := s.AddPayment(domain.PaymentCash)
	require.NoError(t, err)
	require.NoError(t, s.UpdatePayment(idx, dec(paid)))
	return s
}

func TestSubmitBlocksEmptyCartWithoutNetworkCall(t *testing.T) {
	client := &fakeClient{}
	f := NewFinalizer(client)

	_, err := f.Submit(context.Background(), rc, cart.NewSession())
	require.Error(t, err)
	assert.Equal(t, MsgCartEmpty, apperr.MessageOf(err))
	assert.Empty(t, client.creates)
}

func TestSubmitBlocksUnderpaidCartWithoutNetworkCall(t *testing.T) {
	client := &fakeClient{}
	f := NewFinalizer(client)

	_, err := f.Submit(context.Background(), rc, filledSession(t, "17.99"))
	require.Error(t, err)
	assert.Equal(t, MsgPaymentIncomplete, apperr.MessageOf(err))
	assert.Empty(t, client.creates)
}

func TestSubmitSendsPayloadAndResetsSession(t *testing.T) {
	client := &fakeClient{}
	f := NewFinalizer(client)
	session := filledSession(t, "18.00")
	key := session.IdempotencyKey()

	created, err := f.Submit(context.Background(), rc, session)
	require.NoError(t, err)
	assert.Equal(t, "sale_1", created.ID)

	require.Len(t, client.creates, 1)
	req := client.creates[0]
	assert.Equal(t, domain.SaleTypeWalkIn, req.SaleType)
	assert.Equal(t, key, req.IdempotencyKey)
	require.Len(t, req.Items, 1)
	assert.Equal(t, 2, req.Items[0].Quantity)
	require.NotNil(t, req.OrderDiscount)
	assert.Equal(t, domain.DiscountPercentage, req.OrderDiscount.Type)
	assert.Equal(t, "18.00", req.Payments[0].Amount.StringFixed(2))

	assert.True(t, session.IsEmpty())
	assert.Empty(t, session.Payments())
	assert.NotEqual(t, key, session.IdempotencyKey())
}

func TestSubmitAcceptsCashMatchingRoundedTotal(t *testing.T) {
	client := &fakeClient{}
	f := NewFinalizer(client)
	s := cart.NewSession()
	require.NoError(t, s.AddToCart(domain.InventoryItem{ID: "itm-vitc", Name: "Vitamin C", SKU: "VITC", Price: dec("9.99"), Stock: 5}))
	require.NoError(t, s.UpdateCartItem("itm-vitc", cart.FieldQuantity, dec("3")))
	require.NoError(t, s.UpdateCartItem("itm-vitc", cart.FieldDiscountPercent, dec("10")))
	idx, err := s.AddPayment(domain.PaymentCash)
	require.NoError(t, err)
	require.NoError(t, s.UpdatePayment(idx, dec("26.97")))

	require.NoError(t, CheckSubmittable(s.Snapshot()))
	_, err = f.Submit(context.Background(), rc, s)
	require.NoError(t, err)
	require.Len(t, client.creates, 1)
	assert.Equal(t, "26.97", client.creates[0].Payments[0].Amount.String())
}

func TestSubmitBlocksCreditNoteTenderAboveTotal(t *testing.T) {
	client := &fakeClient{}
	f := NewFinalizer(client)
	s := cart.NewSession()
	require.NoError(t, s.AddToCart(domain.InventoryItem{ID: "itm-para", Name: "Paracetamol", SKU: "PARA", Price: dec("10.00"), Stock: 5}))
	idx, err := s.AddPayment(domain.PaymentCreditNote)
	require.NoError(t, err)
	require.NoError(t, s.UpdatePaymentDetails(idx, domain.PaymentDetails{CreditNoteID: "cn_1"}))
	require.NoError(t, s.UpdatePayment(idx, dec("20.00")))

	_, err = f.Submit(context.Background(), rc, s)
	require.Error(t, err)
	assert.Equal(t, cart.MsgCreditNoteOverpaid, apperr.MessageOf(err))
	assert.Empty(t, client.creates)
}

func TestBuildPayloadOmitsZeroOrderDiscount(t *testing.T) {
	s := cart.NewSession()
	require.NoError(t, s.AddToCart(domain.InventoryItem{ID: "itm-1", Price: dec("3"), Stock: 1}))
	require.NoError(t, s.SetOrderDiscount(domain.OrderDiscount{Type: domain.DiscountFixed, Amount: dec("0")}))

	req := BuildPayload(s.Snapshot())
	assert.Nil(t, req.OrderDiscount)
}

func TestSubmitFailureKeepsSessionAndMessage(t *testing.T) {
	client := &fakeClient{err: apperr.New(apperr.CodeStockConflict, "Insufficient stock for Paracetamol")}
	f := NewFinalizer(client)
	session := filledSession(t, "18.00")
	before := session.Snapshot()

	_, err := f.Submit(context.Background(), rc, session)
	require.Error(t, err)
	assert.Equal(t, "Insufficient stock for Paracetamol", apperr.MessageOf(err))
	assert.True(t, apperr.Is(err, apperr.CodeSubmission))
	details, ok := apperr.As(err).Details().(apperr.SubmissionDetails)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeStockConflict, details.ServiceCode)

	after := session.Snapshot()
	assert.Equal(t, before.Lines, after.Lines)
	assert.Equal(t, before.IdempotencyKey, after.IdempotencyKey)
	assert.False(t, f.Pending())
}

func TestSubmitWrapsTransportErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	f := NewFinalizer(client)

	_, err := f.Submit(context.Background(), rc, filledSession(t, "20"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeSubmission))
	assert.Equal(t, "connection refused", apperr.MessageOf(err))
}

func TestSubmitRejectsConcurrentSubmission(t *testing.T) {
	client := &fakeClient{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := NewFinalizer(client)
	session := filledSession(t, "18.00")

	done := make(chan error, 1)
	go func() {
		_, err := f.Submit(context.Background(), rc, session)
		done <- err
	}()
	<-client.entered
	assert.True(t, f.Pending())

	_, err := f.Submit(context.Background(), rc, filledSession(t, "18.00"))
	require.Error(t, err)
	assert.Equal(t, MsgInFlight, apperr.MessageOf(err))

	close(client.release)
	require.NoError(t, <-done)
	assert.Len(t, client.creates, 1)
}

func TestVoidReasonLengthGate(t *testing.T) {
	client := &fakeClient{}
	v := NewVoider(client)
	sale := domain.Sale{ID: "sale_9", Status: domain.SaleStatusCompleted}

	_, err := v.Void(context.Background(), rc, sale, " oops ")
	require.Error(t, err)
	assert.Equal(t, MsgVoidReasonShort, apperr.MessageOf(err))
	assert.Empty(t, client.voids)

	updated, err := v.Void(context.Background(), rc, sale, "wrong patient")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusVoided, updated.Status)
	assert.Equal(t, []string{"sale_9:wrong patient"}, client.voids)
}

func TestVoidRejectsVoidedSaleLocally(t *testing.T) {
	client := &fakeClient{}
	v := NewVoider(client)
	now := time.Now()

	_, err := v.Void(context.Background(), rc, domain.Sale{ID: "s", Status: domain.SaleStatusVoided, VoidedAt: &now}, "duplicate entry")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeStateConflict))
	assert.Empty(t, client.voids)
}

func TestActions(t *testing.T) {
	now := time.Now()
	completed := domain.Sale{Status: domain.SaleStatusCompleted, Items: []domain.SaleItem{{Quantity: 2, ReturnedQuantity: 1}}}
	assert.Equal(t, []Action{ActionVoid, ActionReturn}, Actions(completed))

	fullyReturned := domain.Sale{Status: domain.SaleStatusCompleted, Items: []domain.SaleItem{{Quantity: 2, ReturnedQuantity: 2}}}
	assert.Equal(t, []Action{ActionVoid}, Actions(fullyReturned))

	voided := domain.Sale{Status: domain.SaleStatusVoided, VoidedAt: &now}
	assert.Empty(t, Actions(voided))
}
