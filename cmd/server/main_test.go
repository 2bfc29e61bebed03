package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pharmapos/internal/config"
	"pharmapos/internal/logger"
	"pharmapos/internal/store/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			Env:           config.AppEnvDev,
			Port:          "0",
			AllowedOrigin: "*",
		},
		Redis: config.RedisConfig{CacheTTL: time.Second},
		Auth: config.AuthConfig{
			Secret:         "0123456789abcdef0123456789abcdef",
			AccessTokenTTL: time.Hour,
			LoginRateLimit: 5,
		},
		Returns: config.ReturnsConfig{CreditNoteValidity: time.Hour},
		Tenancy: config.TenancyConfig{DefaultTenantID: "demo-clinic"},
	}
}

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	short := testConfig()
	short.Auth.Secret = "short"
	if err := validateSecurityConfig(short); err == nil {
		t.Fatalf("expected a short secret to be rejected")
	}

	wildcard := testConfig()
	wildcard.App.Env = config.AppEnvProd
	if err := validateSecurityConfig(wildcard); err == nil {
		t.Fatalf("expected a wildcard origin to be rejected outside dev")
	}

	weakAdmin := testConfig()
	weakAdmin.Auth.BootstrapAdminPassword = "admin"
	if err := validateSecurityConfig(weakAdmin); err == nil {
		t.Fatalf("expected a weak bootstrap password to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	cfg := testConfig()
	cfg.App.Env = config.AppEnvProd
	cfg.App.AllowedOrigin = "https://pos.example.com"
	cfg.Auth.BootstrapAdminPassword = "correct-horse-battery"
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestEnsureBootstrapAdminCreatesOnce(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	if err := ensureBootstrapAdmin(ctx, repo, "clinic-a", ""); err != nil {
		t.Fatalf("empty password: %v", err)
	}
	if users, _ := repo.ListUsers(ctx); len(users) != 0 {
		t.Fatalf("expected no account without a password, got %d", len(users))
	}

	if err := ensureBootstrapAdmin(ctx, repo, "clinic-a", "correct-horse-battery"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := ensureBootstrapAdmin(ctx, repo, "clinic-a", "another-password-1"); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	users, err := repo.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected exactly one account, got %d", len(users))
	}
	admin := users[0]
	if admin.Username != "admin" || admin.Role != "admin" || !admin.Active {
		t.Fatalf("unexpected admin %+v", admin)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte("correct-horse-battery")); err != nil {
		t.Fatalf("expected the first password to be stored hashed: %v", err)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.New(logger.Options{ServiceName: "pharmapos-test", Output: io.Discard})
	addrs := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testConfig(), log, func(addr string) { addrs <- addr })
	}()

	var addr string
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start listening")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
