package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const tokenFileYAML = `tokens:
  - token: ci-token-1
    subject: ci-bot
    email: ci@example.test
    roles: [Editor]
`

func writeTokenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func TestTokenFileAuthenticator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeTokenFile(t, tokenFileYAML)
	authenticator, err := NewTokenFileAuthenticator(ctx, nil, path, denyAllAuthenticator{})
	if err != nil {
		t.Fatalf("NewTokenFileAuthenticator() err=%v", err)
	}

	req := httptest.NewRequest("GET", "/workspaces", nil)
	req.Header.Set("Authorization", "Bearer ci-token-1")
	identity, err := authenticator.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "ci-bot" {
		t.Fatalf("Subject=%q, want ci-bot", identity.Subject)
	}
	if len(identity.Roles) != 1 || identity.Roles[0] != "editor" {
		t.Fatalf("Roles=%v, want lowercased editor", identity.Roles)
	}

	// Unknown tokens fall through to the next authenticator.
	req = httptest.NewRequest("GET", "/workspaces", nil)
	req.Header.Set("Authorization", "Bearer nope")
	if _, err := authenticator.Authenticate(context.Background(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v, want ErrUnauthenticated from next", err)
	}
}

func TestTokenFileAuthenticator_Reload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeTokenFile(t, tokenFileYAML)
	authenticator, err := NewTokenFileAuthenticator(ctx, nil, path, denyAllAuthenticator{})
	if err != nil {
		t.Fatalf("NewTokenFileAuthenticator() err=%v", err)
	}

	rotated := `tokens:
  - token: ci-token-2
    subject: ci-bot
    roles: [editor]
`
	if err := os.WriteFile(path, []byte(rotated), 0o600); err != nil {
		t.Fatalf("rotate token file: %v", err)
	}
	if err := authenticator.reload(); err != nil {
		t.Fatalf("reload() err=%v", err)
	}

	req := httptest.NewRequest("GET", "/workspaces", nil)
	req.Header.Set("Authorization", "Bearer ci-token-1")
	if _, err := authenticator.Authenticate(context.Background(), req); err == nil {
		t.Fatalf("rotated-out token should no longer authenticate")
	}

	req = httptest.NewRequest("GET", "/workspaces", nil)
	req.Header.Set("Authorization", "Bearer ci-token-2")
	identity, err := authenticator.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate() err=%v", err)
	}
	if identity.Subject != "ci-bot" {
		t.Fatalf("Subject=%q, want ci-bot", identity.Subject)
	}
}

func TestTokenFileAuthenticator_RejectsIncompleteEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeTokenFile(t, "tokens:\n  - token: abc\n")
	if _, err := NewTokenFileAuthenticator(ctx, nil, path, nil); err == nil {
		t.Fatalf("expected error for entry without subject")
	}
}
