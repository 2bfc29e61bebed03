package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

const testSecret = "test-secret-key-with-at-least-32-chars"

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, tenantID string, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credentialKey(tenantID, username)
	user := s.users[key]
	user.Password = password
	s.users[key] = user
	s.updates++
	return nil
}

func newStubStore(t *testing.T, users ...domain.UserAccount) *userStoreStub {
	t.Helper()
	store := &userStoreStub{users: map[string]domain.UserAccount{}}
	for _, user := range users {
		store.users[credentialKey(user.TenantID, user.Username)] = user
	}
	return store
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := newStubStore(t, domain.UserAccount{
		TenantID: "clinic-a",
		Username: "admin",
		Password: "admin123",
		Role:     "admin",
		Active:   true,
	})

	manager, err := NewAuthManager(context.Background(), testSecret, time.Hour, "clinic-a", store)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 || !isPasswordHash(users[0].Password) {
		t.Fatalf("expected password to be upgraded from plain-text, got %+v", users)
	}
	if store.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestAuthManagerScopesUsersByTenant(t *testing.T) {
	store := newStubStore(t,
		domain.UserAccount{TenantID: "clinic-a", Username: "sam", Password: mustHashPassword(t, "pass-a"), Role: "pharmacist", Active: true},
		domain.UserAccount{TenantID: "clinic-b", Username: "sam", Password: mustHashPassword(t, "pass-b"), Role: "pharmacy_manager", Active: true},
	)
	manager, err := NewAuthManager(context.Background(), testSecret, time.Hour, "clinic-a", store)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{TenantID: "clinic-b", Username: "SAM", Password: "pass-b"})
	if err != nil {
		t.Fatalf("login clinic-b: %v", err)
	}
	if resp.TenantID != "clinic-b" || resp.Role != "pharmacy_manager" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.TenantID != "clinic-b" || actor.Username != "sam" || actor.Role != "pharmacy_manager" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	_, err = manager.Login(context.Background(), domain.LoginRequest{TenantID: "clinic-a", Username: "sam", Password: "pass-b"})
	if !apperr.Is(err, apperr.CodeUnauthorized) {
		t.Fatalf("expected unauthorized for other tenant's password, got %v", err)
	}

	defaulted, err := manager.Login(context.Background(), domain.LoginRequest{Username: "sam", Password: "pass-a"})
	if err != nil {
		t.Fatalf("login default tenant: %v", err)
	}
	if defaulted.TenantID != "clinic-a" {
		t.Fatalf("expected default tenant clinic-a, got %q", defaulted.TenantID)
	}
}

func TestAuthManagerRejectsInactiveAccount(t *testing.T) {
	store := newStubStore(t, domain.UserAccount{TenantID: "clinic-a", Username: "nurse", Password: mustHashPassword(t, "nurse-pass"), Role: "nurse"})
	manager, err := NewAuthManager(context.Background(), testSecret, time.Hour, "clinic-a", store)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "nurse", Password: "nurse-pass"})
	if !apperr.Is(err, apperr.CodeForbidden) {
		t.Fatalf("expected forbidden for inactive account, got %v", err)
	}
}

func TestParseTokenRejectsExpiredTamperedAndUnknownRole(t *testing.T) {
	manager, err := NewAuthManager(context.Background(), testSecret, time.Hour, "clinic-a", nil)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}

	expired, err := manager.sign(domain.Actor{Username: "sam", Role: "pharmacist", TenantID: "clinic-a"}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); !apperr.Is(err, apperr.CodeUnauthorized) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	valid, err := manager.sign(domain.Actor{Username: "sam", Role: "pharmacist", TenantID: "clinic-a"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]
	if _, err := manager.ParseToken(tampered); !apperr.Is(err, apperr.CodeUnauthorized) {
		t.Fatalf("expected tampered token to be rejected, got %v", err)
	}

	other, err := NewAuthManager(context.Background(), strings.Repeat("x", 40), time.Hour, "clinic-a", nil)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}
	if _, err := other.ParseToken(valid); !apperr.Is(err, apperr.CodeUnauthorized) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}

	cashier, err := manager.sign(domain.Actor{Username: "sam", Role: "cashier", TenantID: "clinic-a"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(cashier); !apperr.Is(err, apperr.CodeForbidden) {
		t.Fatalf("expected unknown role to be refused, got %v", err)
	}
}

func TestNewAuthManagerRequiresSecret(t *testing.T) {
	if _, err := NewAuthManager(context.Background(), "  ", time.Hour, "clinic-a", nil); err == nil {
		t.Fatalf("expected an error for an empty secret")
	}
}
