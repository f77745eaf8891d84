package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunToken_RoundTrip(t *testing.T) {
	secret := "test-secret"
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken(secret, "ws-1", "run-123", 30*time.Minute, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	claims, err := VerifyRunToken(secret, token, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("VerifyRunToken: %v", err)
	}
	if claims.RunID != "run-123" {
		t.Fatalf("RunID=%q, want %q", claims.RunID, "run-123")
	}
	if claims.WorkspaceID != "ws-1" {
		t.Fatalf("WorkspaceID=%q, want %q", claims.WorkspaceID, "ws-1")
	}
	if claims.Subject != "run:run-123" {
		t.Fatalf("Subject=%q, want run:run-123", claims.Subject)
	}
}

func TestRunToken_Expired(t *testing.T) {
	secret := "test-secret"
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken(secret, "ws-1", "run-123", 1*time.Minute, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	_, err = VerifyRunToken(secret, token, now.Add(2*time.Minute))
	if err == nil {
		t.Fatalf("VerifyRunToken: expected error")
	}
	if !errors.Is(err, ErrRunTokenExpired) {
		t.Fatalf("VerifyRunToken error=%v, want %v", err, ErrRunTokenExpired)
	}
}

func TestRunToken_WrongSecret(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	token, err := GenerateRunToken("test-secret", "ws-1", "run-123", 30*time.Minute, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	if _, err := VerifyRunToken("other-secret", token, now); !errors.Is(err, ErrRunTokenInvalid) {
		t.Fatalf("VerifyRunToken error=%v, want %v", err, ErrRunTokenInvalid)
	}
}

func TestParseRunTokenSubject(t *testing.T) {
	runID, ok := ParseRunTokenSubject("run:run-123")
	if !ok {
		t.Fatalf("ParseRunTokenSubject ok=false")
	}
	if runID != "run-123" {
		t.Fatalf("runID=%q, want run-123", runID)
	}

	if _, ok := ParseRunTokenSubject("alice"); ok {
		t.Fatalf("expected plain subject to not parse as run token")
	}
	if _, ok := ParseRunTokenSubject("run:"); ok {
		t.Fatalf("expected empty run id to not parse")
	}
}

type denyAllAuthenticator struct{}

func (denyAllAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{}, ErrUnauthenticated
}

func TestRunTokenAuthenticator(t *testing.T) {
	secret := "test-secret"
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	token, err := GenerateRunToken(secret, "ws-1", "run-123", 30*time.Minute, now)
	if err != nil {
		t.Fatalf("GenerateRunToken: %v", err)
	}

	authn := RunTokenAuthenticator{
		Secret: secret,
		Next:   denyAllAuthenticator{},
		Now:    func() time.Time { return now.Add(time.Minute) },
	}

	req := httptest.NewRequest(http.MethodPost, "http://example.test/runs/run-123/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	identity, err := authn.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "run:run-123" {
		t.Fatalf("Subject=%q, want run:run-123", identity.Subject)
	}
	if !HasAtLeast(identity.Roles, RoleEditor) {
		t.Fatalf("run token identity should carry editor role")
	}

	// Expired tokens do not fall through to the next authenticator.
	expired := RunTokenAuthenticator{
		Secret: secret,
		Next:   denyAllAuthenticator{},
		Now:    func() time.Time { return now.Add(time.Hour) },
	}
	if _, err := expired.Authenticate(req.Context(), req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Authenticate error=%v, want %v", err, ErrUnauthenticated)
	}

	// Non-token requests fall through.
	plain := httptest.NewRequest(http.MethodGet, "http://example.test/runs", nil)
	if _, err := authn.Authenticate(plain.Context(), plain); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("Authenticate error=%v, want fall-through to next", err)
	}
}
