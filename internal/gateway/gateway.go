// Package gateway is the typed REST client terminals use to reach the sales
// service. Reads go through the tenant-scoped cache; mutations are sent once
// and then apply their invalidation rule.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pharmapos/internal/apperr"
	"pharmapos/internal/cache"
	"pharmapos/internal/catalog"
	"pharmapos/internal/domain"
)

const maxErrorBody = 64 << 10

// HTTPClient matches the subset of http.Client used by Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

type Client struct {
	base   *url.URL
	client HTTPClient
	cache  *cache.Cache
}

// New builds a client for baseURL. A nil cache disables read caching.
func New(baseURL string, client HTTPClient, c *cache.Cache) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("gateway: base URL is required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base URL: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{base: parsed, client: client, cache: c}, nil
}

func (c *Client) ListItems(ctx context.Context, rc domain.RequestContext, query string, saleType domain.SaleType, limit int) (catalog.Outcome, error) {
	params := url.Values{}
	params.Set("q", strings.TrimSpace(query))
	params.Set("sale_type", string(saleType))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	key := cache.Key{Tenant: rc.TenantID, Resource: cache.ResourceInventory, ID: params.Encode()}
	return cache.ReadThrough(ctx, c.cache, key, func(ctx context.Context) (catalog.Outcome, error) {
		var out catalog.Outcome
		err := c.do(ctx, rc, http.MethodGet, "/api/v1/inventory/items?"+params.Encode(), nil, nil, &out)
		return out, err
	})
}

func (c *Client) ListSales(ctx context.Context, rc domain.RequestContext, limit int) ([]domain.Sale, error) {
	path, id := listPath("/api/v1/sales", limit)
	key := cache.Key{Tenant: rc.TenantID, Resource: cache.ResourceSales, ID: id}
	return cache.ReadThrough(ctx, c.cache, key, func(ctx context.Context) ([]domain.Sale, error) {
		var out struct {
			Sales []domain.Sale `json:"sales"`
		}
		err := c.do(ctx, rc, http.MethodGet, path, nil, nil, &out)
		return out.Sales, err
	})
}

func (c *Client) GetSale(ctx context.Context, rc domain.RequestContext, saleID string) (*domain.Sale, error) {
	key := cache.Key{Tenant: rc.TenantID, Resource: cache.ResourceSale, ID: saleID}
	sale, err := cache.ReadThrough(ctx, c.cache, key, func(ctx context.Context) (domain.Sale, error) {
		var out struct {
			Sale domain.Sale `json:"sale"`
		}
		err := c.do(ctx, rc, http.MethodGet, "/api/v1/sales/"+url.PathEscape(saleID), nil, nil, &out)
		return out.Sale, err
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (c *Client) CreateSale(ctx context.Context, rc domain.RequestContext, req domain.CreateSaleRequest) (*domain.Sale, error) {
	var out struct {
		Sale domain.Sale `json:"sale"`
	}
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	if err := c.do(ctx, rc, http.MethodPost, "/api/v1/sales", headers, req, &out); err != nil {
		return nil, err
	}
	c.invalidate(ctx, rc, cache.MutationSaleCreate, cache.Refs{SaleID: out.Sale.ID})
	return &out.Sale, nil
}

func (c *Client) VoidSale(ctx context.Context, rc domain.RequestContext, saleID string, reason string) (*domain.Sale, error) {
	var out struct {
		Sale domain.Sale `json:"sale"`
	}
	body := domain.VoidSaleRequest{Reason: reason}
	if err := c.do(ctx, rc, http.MethodPost, "/api/v1/sales/"+url.PathEscape(saleID)+"/void", nil, body, &out); err != nil {
		return nil, err
	}
	c.invalidate(ctx, rc, cache.MutationSaleVoid, cache.Refs{SaleID: saleID})
	return &out.Sale, nil
}

func (c *Client) ListReturns(ctx context.Context, rc domain.RequestContext, limit int) ([]domain.Return, error) {
	path, id := listPath("/api/v1/returns", limit)
	key := cache.Key{Tenant: rc.TenantID, Resource: cache.ResourceReturns, ID: id}
	return cache.ReadThrough(ctx, c.cache, key, func(ctx context.Context) ([]domain.Return, error) {
		var out struct {
			Returns []domain.Return `json:"returns"`
		}
		err := c.do(ctx, rc, http.MethodGet, path, nil, nil, &out)
		return out.Returns, err
	})
}

func (c *Client) GetReturn(ctx context.Context, rc domain.RequestContext, returnID string) (*domain.Return, error) {
	key := cache.Key{Tenant: rc.TenantID, Resource: cache.ResourceReturn, ID: returnID}
	ret, err := cache.ReadThrough(ctx, c.cache, key, func(ctx context.Context) (domain.Return, error) {
		var out struct {
			Return domain.Return `json:"return"`
		}
		err := c.do(ctx, rc, http.MethodGet, "/api/v1/returns/"+url.PathEscape(returnID), nil, nil, &out)
		return out.Return, err
	})
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) CreateReturn(ctx context.Context, rc domain.RequestContext, req domain.CreateReturnRequest) (*domain.Return, error) {
	var out struct {
		Return domain.Return `json:"return"`
	}
	if err := c.do(ctx, rc, http.MethodPost, "/api/v1/returns", nil, req, &out); err != nil {
		return nil, err
	}
	c.invalidate(ctx, rc, cache.MutationReturnCreate, cache.Refs{SaleID: req.SaleID, ReturnID: out.Return.ID})
	return &out.Return, nil
}

func (c *Client) DecideReturn(ctx context.Context, rc domain.RequestContext, returnID string, req domain.ReturnDecisionRequest) (*domain.Return, error) {
	var out struct {
		Return domain.Return `json:"return"`
	}
	if err := c.do(ctx, rc, http.MethodPost, "/api/v1/returns/"+url.PathEscape(returnID)+"/decision", nil, req, &out); err != nil {
		return nil, err
	}
	c.invalidate(ctx, rc, cache.MutationReturnDecide, cache.Refs{SaleID: out.Return.SaleID, ReturnID: returnID})
	return &out.Return, nil
}

func (c *Client) ListCreditNotes(ctx context.Context, rc domain.RequestContext, limit int) ([]domain.CreditNote, error) {
	path, id := listPath("/api/v1/credit-notes", limit)
	key := cache.Key{Tenant: rc.TenantID, Resource: cache.ResourceCreditNotes, ID: id}
	return cache.ReadThrough(ctx, c.cache, key, func(ctx context.Context) ([]domain.CreditNote, error) {
		var out struct {
			CreditNotes []domain.CreditNote `json:"credit_notes"`
		}
		err := c.do(ctx, rc, http.MethodGet, path, nil, nil, &out)
		return out.CreditNotes, err
	})
}

func (c *Client) GetCreditNote(ctx context.Context, rc domain.RequestContext, creditNoteID string) (*domain.CreditNote, error) {
	key := cache.Key{Tenant: rc.TenantID, Resource: cache.ResourceCreditNote, ID: creditNoteID}
	note, err := cache.ReadThrough(ctx, c.cache, key, func(ctx context.Context) (domain.CreditNote, error) {
		var out struct {
			CreditNote domain.CreditNote `json:"credit_note"`
		}
		err := c.do(ctx, rc, http.MethodGet, "/api/v1/credit-notes/"+url.PathEscape(creditNoteID), nil, nil, &out)
		return out.CreditNote, err
	})
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// invalidate never fails a mutation that the service already accepted; a
// stale entry expires with its TTL.
func (c *Client) invalidate(ctx context.Context, rc domain.RequestContext, mutation cache.Mutation, refs cache.Refs) {
	_ = c.cache.Invalidate(ctx, rc.TenantID, mutation, refs)
}

func listPath(path string, limit int) (string, string) {
	if limit <= 0 {
		return path, ""
	}
	id := "limit=" + strconv.Itoa(limit)
	return path + "?" + id, id
}

func (c *Client) do(ctx context.Context, rc domain.RequestContext, method string, path string, headers map[string]string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if rc.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rc.AuthToken)
	}
	if rc.TenantID != "" {
		req.Header.Set("X-Tenant-ID", rc.TenantID)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeSubmission, err, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return apperr.Wrap(apperr.CodeSubmission, err, "gateway: decode response")
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
		Details any         `json:"details,omitempty"`
	} `json:"error"`
}

// errorFromResponse keeps the service's code and message verbatim.
func errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope errorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		code := envelope.Error.Code
		if !apperr.Known(code) {
			code = codeForStatus(resp.StatusCode)
		}
		return apperr.New(code, envelope.Error.Message).WithDetails(envelope.Error.Details)
	}
	message := strings.TrimSpace(string(raw))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return apperr.New(codeForStatus(resp.StatusCode), message)
}

func codeForStatus(status int) apperr.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperr.CodeValidation
	case http.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case http.StatusForbidden:
		return apperr.CodeForbidden
	case http.StatusNotFound:
		return apperr.CodeNotFound
	case http.StatusConflict:
		return apperr.CodeStateConflict
	case http.StatusTooManyRequests:
		return apperr.CodeRateLimit
	default:
		return apperr.CodeSubmission
	}
}
