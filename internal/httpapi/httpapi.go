package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/logger"
	"pharmapos/internal/metrics"
	"pharmapos/internal/notify"
	"pharmapos/internal/permissions"
	"pharmapos/internal/service"
)

const (
	maxBodyBytes     = 1 << 20
	defaultHeartbeat = 15 * time.Second
	requestIDHeader  = "X-Request-ID"
	tenantHeader     = "X-Tenant-ID"
)

type Options struct {
	Service       *service.Service
	Auth          *AuthManager
	Hub           *notify.Hub
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *logger.Logger
	AllowedOrigin string
	// LoginAttempts is the number of login attempts a client address gets per
	// minute.
	LoginAttempts int
	Heartbeat     time.Duration
	Ready         func(context.Context) error
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	hub           *notify.Hub
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	log           *logger.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	heartbeat     time.Duration
	ready         func(context.Context) error
	validate      *validator.Validate
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.LoginAttempts < 1 {
		opts.LoginAttempts = 5
	}
	return &API{
		service:       opts.Service,
		auth:          opts.Auth,
		hub:           opts.Hub,
		metrics:       opts.Metrics,
		gatherer:      opts.Gatherer,
		log:           opts.Logger,
		allowedOrigin: opts.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(opts.LoginAttempts, time.Minute),
		heartbeat:     opts.Heartbeat,
		ready:         opts.Ready,
		validate:      newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requestID, a.observe, a.securityHeaders, limitBody)

	r.Get("/healthz", a.handleHealth)
	if a.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.With(a.require(permissions.InventoryRead)).Get("/inventory/items", a.handleInventory)

		r.With(a.require(permissions.SalesRead)).Get("/sales", a.handleListSales)
		r.With(a.require(permissions.SalesCreate)).Post("/sales", a.handleCreateSale)
		r.With(a.require(permissions.SalesRead)).Get("/sales/{id}", a.handleGetSale)
		r.With(a.require(permissions.SalesVoid)).Post("/sales/{id}/void", a.handleVoidSale)

		r.With(a.require(permissions.ReturnsRead)).Get("/returns", a.handleListReturns)
		r.With(a.require(permissions.ReturnsCreate)).Post("/returns", a.handleCreateReturn)
		r.With(a.require(permissions.ReturnsRead)).Get("/returns/{id}", a.handleGetReturn)
		r.With(a.require(permissions.ReturnsDecide)).Post("/returns/{id}/decision", a.handleDecideReturn)

		r.With(a.require(permissions.CreditNotesRead)).Get("/credit-notes", a.handleListCreditNotes)
		r.With(a.require(permissions.CreditNotesRead)).Get("/credit-notes/{id}", a.handleGetCreditNote)

		r.With(a.require(permissions.AuditRead)).Get("/audit-logs", a.handleAuditLogs)
		r.With(a.require(permissions.EventsSubscribe)).Get("/notifications/stream", a.handleStream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, apperr.New(apperr.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorPayload{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"}})
	})
	return r
}

// require authenticates the bearer token and checks the actor's role holds
// capability. A tenant header that disagrees with the token is refused.
func (a *API) require(capability permissions.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, r, apperr.New(apperr.CodeUnauthorized, "missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				a.writeError(w, r, err)
				return
			}
			if tenant := strings.TrimSpace(r.Header.Get(tenantHeader)); tenant != "" && tenant != actor.TenantID {
				a.writeError(w, r, apperr.New(apperr.CodeForbidden, "tenant does not match token"))
				return
			}
			if !permissions.Allows(permissions.Role(actor.Role), capability) {
				a.writeError(w, r, apperr.New(apperr.CodeForbidden, "role lacks "+string(capability)))
				return
			}

			ctx := service.WithActor(r.Context(), actor)
			ctx = a.log.WithTenantID(ctx, actor.TenantID)
			ctx = a.log.WithActor(ctx, actor.Username, actor.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(a.log.WithRequestID(r.Context(), id)))
	})
}

// observe logs every request, records its latency by route pattern and turns
// a panic into a 500.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		ctx := a.log.WithFields(r.Context(), map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		r = r.WithContext(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.log.Error(ctx, "request.panic", fmt.Errorf("panic: %v", rec))
				if ww.Status() == 0 {
					a.writeError(ww, r, apperr.New(apperr.CodeInternal, "panic"))
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(startedAt)
			a.metrics.ObserveRequest(r.Method, route, status, elapsed)

			done := a.log.WithFields(ctx, map[string]any{
				"status":      status,
				"duration_ms": elapsed.Milliseconds(),
				"route":       route,
			})
			if status >= http.StatusInternalServerError {
				a.log.Warn(done, "request.complete")
				return
			}
			a.log.Info(done, "request.complete")
		}()

		next.ServeHTTP(ww, r)
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		}
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Tenant-ID, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			a.log.Error(r.Context(), "readiness check failed", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok": false,
				"at": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, r, apperr.New(apperr.CodeRateLimit, "too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeJSON rejects unknown fields and trailing data, then runs the
// validate tags of dest.
func (a *API) decodeJSON(r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Wrap(apperr.CodeValidation, err, "request body too large")
		}
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request body").WithDetails(map[string]string{"error": err.Error()})
	}
	if decoder.More() {
		return apperr.New(apperr.CodeValidation, "request body must contain a single JSON object")
	}
	if err := a.validate.Struct(dest); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Wrap(apperr.CodeValidation, err, "validation failed")
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Namespace()] = validationMessage(fe)
	}
	return apperr.New(apperr.CodeValidation, "validation failed").WithDetails(details)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	}
	return "is invalid"
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorPayload struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

// writeError renders err in the error envelope. Untyped errors and 5xx codes
// never leak their text to the client.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "internal error")
	}
	meta := apperr.MetadataFor(typed.Code())

	payload := errorPayload{Code: typed.Code(), Message: typed.Message()}
	if payload.Message == "" {
		payload.Message = meta.PublicMessage
	}
	if meta.DetailsAllowed {
		payload.Details = typed.Details()
	}
	if meta.HTTPStatus >= http.StatusInternalServerError {
		a.log.Error(r.Context(), "request failed", err)
		payload = errorPayload{Code: typed.Code(), Message: meta.PublicMessage}
	}
	writeJSON(w, meta.HTTPStatus, errorBody{Error: payload})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
