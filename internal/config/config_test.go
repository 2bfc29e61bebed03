package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("PHARMAPOS_AUTH_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "" {
		t.Fatalf("expected empty auth secret when unset, got %q", cfg.Auth.Secret)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Address() != ":8080" {
		t.Fatalf("expected default address :8080, got %s", cfg.App.Address())
	}
	if cfg.Returns.ApprovalThreshold.String() != "100" {
		t.Fatalf("expected approval threshold 100, got %s", cfg.Returns.ApprovalThreshold)
	}
	if cfg.Returns.CreditNoteValidity != 8760*time.Hour {
		t.Fatalf("expected one year credit note validity, got %s", cfg.Returns.CreditNoteValidity)
	}
	if cfg.Tenancy.DefaultTenantID != "demo-clinic" {
		t.Fatalf("unexpected default tenant %q", cfg.Tenancy.DefaultTenantID)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PHARMAPOS_PORT", "9090")
	t.Setenv("PHARMAPOS_RETURN_APPROVAL_THRESHOLD", "250.50")
	t.Setenv("PHARMAPOS_ACCESS_TOKEN_TTL", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Port != "9090" {
		t.Fatalf("expected port override, got %s", cfg.App.Port)
	}
	if cfg.Returns.ApprovalThreshold.String() != "250.5" {
		t.Fatalf("expected threshold 250.5, got %s", cfg.Returns.ApprovalThreshold)
	}
	if cfg.Auth.AccessTokenTTL != 30*time.Minute {
		t.Fatalf("expected 30m token ttl, got %s", cfg.Auth.AccessTokenTTL)
	}
}

func TestLoadRejectsNegativeThreshold(t *testing.T) {
	t.Setenv("PHARMAPOS_RETURN_APPROVAL_THRESHOLD", "-1")

	if _, err := Load(); err == nil {
		t.Fatalf("expected negative threshold to be rejected")
	}
}
