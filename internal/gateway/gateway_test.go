package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cache"
	"pharmapos/internal/cart"
	"pharmapos/internal/domain"
	"pharmapos/internal/returns"
	"pharmapos/internal/sale"
)

var (
	_ sale.SaleCreator      = (*Client)(nil)
	_ sale.SaleVoider       = (*Client)(nil)
	_ returns.SaleFetcher   = (*Client)(nil)
	_ returns.ReturnCreator = (*Client)(nil)
	_ returns.ReturnDecider = (*Client)(nil)
)

var rc = domain.RequestContext{TenantID: "demo-clinic", AuthToken: "tok-123"}

type fakeServer struct {
	saleGets   atomic.Int32
	saleCreate atomic.Int32
	failCreate atomic.Bool
	voided     atomic.Bool

	mu         sync.Mutex
	lastHeader http.Header
	createBody domain.CreateSaleRequest
}

func (f *fakeServer) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHeader = r.Header.Clone()
}

func (f *fakeServer) header(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeader.Get(name)
}

func (f *fakeServer) created() domain.CreateSaleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createBody
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sales/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.saleGets.Add(1)
		f.record(r)
		if r.PathValue("id") != "sale_1" {
			writeEnvelope(w, http.StatusNotFound, "NOT_FOUND", "Sale not found")
			return
		}
		status := domain.SaleStatusCompleted
		if f.voided.Load() {
			status = domain.SaleStatusVoided
		}
		writeBody(w, http.StatusOK, map[string]any{"sale": domain.Sale{ID: "sale_1", Status: status}})
	})
	mux.HandleFunc("POST /api/v1/sales", func(w http.ResponseWriter, r *http.Request) {
		f.saleCreate.Add(1)
		f.record(r)
		var body domain.CreateSaleRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.createBody = body
		f.mu.Unlock()
		if f.failCreate.Load() {
			writeEnvelope(w, http.StatusConflict, "STOCK_CONFLICT", "Insufficient stock for Paracetamol 500mg")
			return
		}
		writeBody(w, http.StatusCreated, map[string]any{"sale": domain.Sale{ID: "sale_2", Status: domain.SaleStatusCompleted}})
	})
	mux.HandleFunc("POST /api/v1/sales/{id}/void", func(w http.ResponseWriter, r *http.Request) {
		f.voided.Store(true)
		now := time.Now()
		writeBody(w, http.StatusOK, map[string]any{"sale": domain.Sale{ID: r.PathValue("id"), Status: domain.SaleStatusVoided, VoidedAt: &now}})
	})
	mux.HandleFunc("POST /api/v1/returns/{id}/decision", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{"return": domain.Return{ID: r.PathValue("id"), SaleID: "sale_1", Status: domain.ReturnStatusApproved}})
	})
	mux.HandleFunc("GET /api/v1/credit-notes", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{"credit_notes": []domain.CreditNote{{ID: "cn_1", RemainingAmount: decimal.RequireFromString("40.00")}}})
	})
	return mux
}

func writeBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeEnvelope(w http.ResponseWriter, status int, code string, message string) {
	writeBody(w, status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	client, err := New(server.URL, server.Client(), cache.New(cache.NewMemoryStore(), time.Minute))
	require.NoError(t, err)
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(" ", nil, nil)
	require.Error(t, err)
}

func TestGetSaleSendsContextHeadersAndCaches(t *testing.T) {
	f := &fakeServer{}
	client := newTestClient(t, f)

	first, err := client.GetSale(context.Background(), rc, "sale_1")
	require.NoError(t, err)
	second, err := client.GetSale(context.Background(), rc, "sale_1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, f.saleGets.Load())
	assert.Equal(t, "Bearer tok-123", f.header("Authorization"))
	assert.Equal(t, "demo-clinic", f.header("X-Tenant-ID"))

	other := domain.RequestContext{TenantID: "other-clinic", AuthToken: "tok-9"}
	_, err = client.GetSale(context.Background(), other, "sale_1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.saleGets.Load(), "cache entries are tenant scoped")
}

func TestVoidInvalidatesCachedSale(t *testing.T) {
	f := &fakeServer{}
	client := newTestClient(t, f)

	_, err := client.GetSale(context.Background(), rc, "sale_1")
	require.NoError(t, err)

	_, err = client.VoidSale(context.Background(), rc, "sale_1", "wrong patient")
	require.NoError(t, err)

	refreshed, err := client.GetSale(context.Background(), rc, "sale_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusVoided, refreshed.Status)
	assert.EqualValues(t, 2, f.saleGets.Load())
}

func TestErrorEnvelopeSurfacesVerbatim(t *testing.T) {
	f := &fakeServer{}
	client := newTestClient(t, f)

	_, err := client.GetSale(context.Background(), rc, "missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	assert.Equal(t, "Sale not found", apperr.MessageOf(err))
}

func TestFinalizerThroughGatewayKeepsCartOnConflict(t *testing.T) {
	f := &fakeServer{}
	f.failCreate.Store(true)
	client := newTestClient(t, f)
	finalizer := sale.NewFinalizer(client)

	session := cart.NewSession()
	require.NoError(t, session.AddToCart(domain.InventoryItem{ID: "itm-para", Name: "Paracetamol 500mg", Price: decimal.RequireFromString("4.50"), Stock: 2}))
	_, err := session.AddPayment(domain.PaymentCash)
	require.NoError(t, err)

	_, err = finalizer.Submit(context.Background(), rc, session)
	require.Error(t, err)
	assert.Equal(t, "Insufficient stock for Paracetamol 500mg", apperr.MessageOf(err))
	assert.False(t, session.IsEmpty())
	assert.EqualValues(t, 1, f.saleCreate.Load(), "mutations are never retried")
	assert.Equal(t, session.IdempotencyKey(), f.header("Idempotency-Key"))

	f.failCreate.Store(false)
	created, err := finalizer.Submit(context.Background(), rc, session)
	require.NoError(t, err)
	assert.Equal(t, "sale_2", created.ID)
	assert.True(t, session.IsEmpty())
	assert.Equal(t, "4.50", f.created().Payments[0].Amount.StringFixed(2))
}

func TestDecideReturnAndListCreditNotes(t *testing.T) {
	f := &fakeServer{}
	client := newTestClient(t, f)

	updated, err := client.DecideReturn(context.Background(), rc, "ret_1", domain.ReturnDecisionRequest{Decision: domain.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, domain.ReturnStatusApproved, updated.Status)

	notes, err := client.ListCreditNotes(context.Background(), rc, 20)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "40.00", notes[0].RemainingAmount.StringFixed(2))
}

func TestTransportFailureIsSubmissionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client, err := New(server.URL, nil, nil)
	require.NoError(t, err)
	_, err = client.CreateSale(context.Background(), rc, domain.CreateSaleRequest{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeSubmission))
}
