package auth

import (
	"os"
	"testing"
)

func TestConfigFromEnv_Dev(t *testing.T) {
	t.Setenv("FOUNDRY_AUTH_MODE", "dev")
	t.Setenv("FOUNDRY_DEV_AUTH_SUBJECT", "dev")
	t.Setenv("FOUNDRY_DEV_AUTH_EMAIL", "dev@example.local")
	t.Setenv("FOUNDRY_DEV_AUTH_ROLES", "admin,viewer")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode=%q, want dev", cfg.Mode)
	}
	if cfg.DevSubject != "dev" {
		t.Fatalf("DevSubject=%q, want dev", cfg.DevSubject)
	}
	if len(cfg.DevRoles) != 2 {
		t.Fatalf("DevRoles=%v, want 2 roles", cfg.DevRoles)
	}
}

func TestConfigFromEnv_OIDC_RequiresIssuerAndClientID(t *testing.T) {
	_ = os.Unsetenv("FOUNDRY_OIDC_ISSUER_URL")
	_ = os.Unsetenv("FOUNDRY_OIDC_CLIENT_ID")
	t.Setenv("FOUNDRY_AUTH_MODE", "oidc")

	_, err := ConfigFromEnv()
	if err == nil {
		t.Fatalf("expected error")
	}
}
